package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/flagx"
	"github.com/dmitrijs2005/healthsync/internal/timex"
)

// JSONConfig is the on-disk shape. Absent fields keep their defaults.
type JSONConfig struct {
	DataDir      *string         `json:"data_dir"`
	User         *string         `json:"user"`
	KDF          *string         `json:"kdf"`
	SharedSalt   *string         `json:"shared_salt"`
	LogLevel     *string         `json:"log_level"`
	LogFormat    *string         `json:"log_format"`
	LogFile      *string         `json:"log_file"`
	CallTimeout  *timex.Duration `json:"call_timeout"`
	SyncInterval *timex.Duration `json:"sync_interval"`
	HubAddr      *string         `json:"hub_addr"`
	HubOrigins   []string        `json:"hub_origins"`

	KuboURL          *string  `json:"kubo_url"`
	PinataJWT        *string  `json:"pinata_jwt"`
	PinataAPIURL     *string  `json:"pinata_api_url"`
	PinataGatewayURL *string  `json:"pinata_gateway_url"`
	PinataRPS        *float64 `json:"pinata_rps"`
	S3Bucket         *string  `json:"s3_bucket"`
	S3Region         *string  `json:"s3_region"`
	S3Endpoint       *string  `json:"s3_endpoint"`
	S3AccessKey      *string  `json:"s3_access_key"`
	S3SecretKey      *string  `json:"s3_secret_key"`
	S3PathStyle      *bool    `json:"s3_path_style"`
	RegistryPointer  *string  `json:"registry_pointer"`

	NotaryURL   *string `json:"notary_url"`
	NotaryToken *string `json:"notary_token"`

	CouchURL      *string  `json:"couchdb_url"`
	CouchDatabase *string  `json:"couchdb_database"`
	CouchUser     *string  `json:"couchdb_user"`
	CouchPassword *string  `json:"couchdb_password"`
	CouchPrefixes []string `json:"couchdb_prefixes"`
	PostgresDSN   *string  `json:"postgres_dsn"`
	DocsyncAddr   *string  `json:"docsync_addr"`
	DocsyncToken  *string  `json:"docsync_token"`
}

func parseJSON(cfg *Config, args []string) error {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var c JSONConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&cfg.DataDir, c.DataDir)
	setString(&cfg.User, c.User)
	setString(&cfg.KDF, c.KDF)
	setString(&cfg.SharedSalt, c.SharedSalt)
	setString(&cfg.LogLevel, c.LogLevel)
	setString(&cfg.LogFormat, c.LogFormat)
	setString(&cfg.LogFile, c.LogFile)
	setDuration(&cfg.CallTimeout, c.CallTimeout)
	setDuration(&cfg.SyncInterval, c.SyncInterval)
	setString(&cfg.HubAddr, c.HubAddr)
	if c.HubOrigins != nil {
		cfg.HubOrigins = c.HubOrigins
	}

	setString(&cfg.KuboURL, c.KuboURL)
	setString(&cfg.PinataJWT, c.PinataJWT)
	setString(&cfg.PinataAPIURL, c.PinataAPIURL)
	setString(&cfg.PinataGatewayURL, c.PinataGatewayURL)
	if c.PinataRPS != nil {
		cfg.PinataRPS = *c.PinataRPS
	}
	setString(&cfg.S3Bucket, c.S3Bucket)
	setString(&cfg.S3Region, c.S3Region)
	setString(&cfg.S3Endpoint, c.S3Endpoint)
	setString(&cfg.S3AccessKey, c.S3AccessKey)
	setString(&cfg.S3SecretKey, c.S3SecretKey)
	if c.S3PathStyle != nil {
		cfg.S3PathStyle = *c.S3PathStyle
	}
	setString(&cfg.RegistryPointer, c.RegistryPointer)

	setString(&cfg.NotaryURL, c.NotaryURL)
	setString(&cfg.NotaryToken, c.NotaryToken)

	setString(&cfg.CouchURL, c.CouchURL)
	setString(&cfg.CouchDatabase, c.CouchDatabase)
	setString(&cfg.CouchUser, c.CouchUser)
	setString(&cfg.CouchPassword, c.CouchPassword)
	if c.CouchPrefixes != nil {
		cfg.CouchPrefixes = c.CouchPrefixes
	}
	setString(&cfg.PostgresDSN, c.PostgresDSN)
	setString(&cfg.DocsyncAddr, c.DocsyncAddr)
	setString(&cfg.DocsyncToken, c.DocsyncToken)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
