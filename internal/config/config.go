// Package config handles configuration for the healthsync client and its
// daemon: defaults, an optional JSON file, then command-line flags.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Registry pointer stores.
const (
	PointerLocal = "local"
	PointerKubo  = "kubo"
	PointerS3    = "s3"
)

// Key derivation functions accepted in KDF.
const (
	KDFPBKDF2   = "pbkdf2"
	KDFArgon2id = "argon2id"
)

// Config holds runtime settings for the healthsync client.
//
// Fields:
//   - DataDir: holds the local database, the notary chain and the log file.
//   - User: recorded as CreatedBy/UpdatedBy/UploadedBy on writes.
//   - KDF: key derivation for first-time setup, "pbkdf2" or "argon2id".
//   - SharedSalt: hex salt shared by devices that must read each other's
//     content. Empty means a random salt per installation.
//   - CallTimeout: bound on every remote call.
//   - SyncInterval: period of the daemon's scheduled sync.
//   - HubAddr / HubOrigins: WebSocket event hub bind address and allowed
//     origin patterns. An empty HubAddr disables the hub.
//   - Kubo*, Pinata*, S3*: content backends. A backend is enabled when its
//     URL, JWT or bucket is set. Order of preference is kubo, pinata, s3.
//   - RegistryPointer: where the registry snapshot pointer is published:
//     "local", "kubo" (node MFS) or "s3".
//   - NotaryURL / NotaryToken: remote notary. Empty uses local mock proofs.
//   - Couch*, PostgresDSN, Docsync*: replication adapters, each enabled when
//     its address is set.
type Config struct {
	DataDir      string
	User         string
	KDF          string
	SharedSalt   string
	LogLevel     string
	LogFormat    string
	LogFile      string
	CallTimeout  time.Duration
	SyncInterval time.Duration
	HubAddr      string
	HubOrigins   []string

	KuboURL          string
	PinataJWT        string
	PinataAPIURL     string
	PinataGatewayURL string
	PinataRPS        float64
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3PathStyle      bool
	RegistryPointer  string

	NotaryURL   string
	NotaryToken string

	CouchURL      string
	CouchDatabase string
	CouchUser     string
	CouchPassword string
	CouchPrefixes []string
	PostgresDSN   string
	DocsyncAddr   string
	DocsyncToken  string
}

// LoadDefaults populates c with local-only defaults: no backends, no
// adapters, PBKDF2 and a data directory under the user's home.
func (c *Config) LoadDefaults() {
	c.DataDir = defaultDataDir()
	c.User = os.Getenv("USER")
	c.KDF = KDFPBKDF2
	c.SharedSalt = ""
	c.LogLevel = "info"
	c.LogFormat = "text"
	c.LogFile = ""
	c.CallTimeout = 30 * time.Second
	c.SyncInterval = 5 * time.Minute
	c.HubAddr = "127.0.0.1:8089"
	c.HubOrigins = nil
	c.RegistryPointer = PointerLocal
	c.CouchDatabase = "patients"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".healthsync"
	}
	return filepath.Join(home, ".healthsync")
}

// DBPath is the local SQLite database.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "healthsync.db") }

// ChainPath is the LevelDB directory of the local proof chain.
func (c *Config) ChainPath() string { return filepath.Join(c.DataDir, "notary") }

// Salt decodes SharedSalt; nil when unset.
func (c *Config) Salt() ([]byte, error) {
	if c.SharedSalt == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(c.SharedSalt)
	if err != nil {
		return nil, fmt.Errorf("shared salt: %w", err)
	}
	return b, nil
}

// Validate rejects settings that cannot be wired together.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir is required"))
	}
	switch c.KDF {
	case KDFPBKDF2, KDFArgon2id:
	default:
		errs = append(errs, fmt.Errorf("unknown kdf %q", c.KDF))
	}
	if salt, err := c.Salt(); err != nil {
		errs = append(errs, err)
	} else if salt != nil && len(salt) < 16 {
		errs = append(errs, errors.New("shared salt must be at least 16 bytes"))
	}
	switch c.RegistryPointer {
	case PointerLocal:
	case PointerKubo:
		if c.KuboURL == "" {
			errs = append(errs, errors.New("registry pointer kubo needs kubo_url"))
		}
	case PointerS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("registry pointer s3 needs s3_bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry pointer %q", c.RegistryPointer))
	}
	if c.CouchURL != "" && c.CouchDatabase == "" {
		errs = append(errs, errors.New("couchdb needs a database name"))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync interval must be positive"))
	}
	return errors.Join(errs...)
}

// LoadConfig applies defaults, then the JSON file named by -c/-config,
// then flags, all read from args.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJSON(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
