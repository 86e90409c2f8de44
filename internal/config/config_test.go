package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.NotEmpty(t, c.DataDir)
	assert.Equal(t, KDFPBKDF2, c.KDF)
	assert.Equal(t, PointerLocal, c.RegistryPointer)
	assert.Equal(t, 30*time.Second, c.CallTimeout)
	assert.Equal(t, 5*time.Minute, c.SyncInterval)
	assert.Equal(t, "patients", c.CouchDatabase)
	assert.Empty(t, c.KuboURL)
	assert.Empty(t, c.PostgresDSN)
	require.NoError(t, c.Validate())
}

func TestLoadConfig_JSONThenFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "healthsync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"data_dir": "/var/lib/healthsync",
		"kdf": "argon2id",
		"shared_salt": "000102030405060708090a0b0c0d0e0f",
		"sync_interval": "1m",
		"call_timeout": 5000000000,
		"kubo_url": "http://127.0.0.1:5001",
		"registry_pointer": "kubo",
		"couchdb_url": "http://couch:5984",
		"couchdb_prefixes": ["patient_"],
		"pinata_rps": 1.5,
		"s3_path_style": true
	}`), 0o600))

	c, err := LoadConfig([]string{"add", "--name", "Jane", "-c", path, "-d", dir, "-i", "30s", "-unknown", "x"})
	require.NoError(t, err)

	assert.Equal(t, dir, c.DataDir, "flags win over the file")
	assert.Equal(t, 30*time.Second, c.SyncInterval)
	assert.Equal(t, 5*time.Second, c.CallTimeout)
	assert.Equal(t, KDFArgon2id, c.KDF)
	assert.Equal(t, "http://127.0.0.1:5001", c.KuboURL)
	assert.Equal(t, PointerKubo, c.RegistryPointer)
	assert.Equal(t, []string{"patient_"}, c.CouchPrefixes)
	assert.Equal(t, 1.5, c.PinataRPS)
	assert.True(t, c.S3PathStyle)
	assert.Equal(t, "patients", c.CouchDatabase, "absent fields keep defaults")
	assert.Equal(t, filepath.Join(dir, "healthsync.db"), c.DBPath())
	assert.Equal(t, filepath.Join(dir, "notary"), c.ChainPath())

	salt, err := c.Salt()
	require.NoError(t, err)
	assert.Len(t, salt, 16)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig([]string{"-c", filepath.Join(t.TempDir(), "missing.json")})
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o600))
	_, err = LoadConfig([]string{"-config", bad})
	require.Error(t, err)

	_, err = LoadConfig([]string{"-i", "soon"})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown kdf", func(c *Config) { c.KDF = "scrypt" }, "unknown kdf"},
		{"salt not hex", func(c *Config) { c.SharedSalt = "zz" }, "shared salt"},
		{"salt too short", func(c *Config) { c.SharedSalt = "0102" }, "at least 16 bytes"},
		{"kubo pointer without kubo", func(c *Config) { c.RegistryPointer = PointerKubo }, "needs kubo_url"},
		{"s3 pointer without bucket", func(c *Config) { c.RegistryPointer = PointerS3 }, "needs s3_bucket"},
		{"unknown pointer", func(c *Config) { c.RegistryPointer = "ipns" }, "unknown registry pointer"},
		{"couch without database", func(c *Config) { c.CouchURL = "http://couch"; c.CouchDatabase = "" }, "database name"},
		{"zero interval", func(c *Config) { c.SyncInterval = 0 }, "sync interval"},
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			c.LoadDefaults()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}
