package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, ":50051", c.EndpointAddrGRPC)
	assert.Equal(t, "", c.DatabaseDSN)
	assert.Equal(t, "secretKey", c.SecretKey)
	assert.Equal(t, 30*24*time.Hour, c.TokenValidity)
}

func TestLoadConfig_JSONThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsyncd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"endpoint_addr_grpc": ":6000",
		"database_dsn": "postgres://u:p@db/docs",
		"token_validity": "2h"
	}`), 0o600))

	c, err := LoadConfig([]string{"-c", path, "-a", ":7000", "-s", "s3cr3t", "-unknown", "x"})
	require.NoError(t, err)

	assert.Equal(t, ":7000", c.EndpointAddrGRPC, "flags win over the file")
	assert.Equal(t, "postgres://u:p@db/docs", c.DatabaseDSN)
	assert.Equal(t, "s3cr3t", c.SecretKey)
	assert.Equal(t, 2*time.Hour, c.TokenValidity)
	assert.Equal(t, "info", c.LogLevel, "absent fields keep defaults")
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig([]string{"-c", filepath.Join(t.TempDir(), "missing.json")})
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o600))
	_, err = LoadConfig([]string{"-config", bad})
	require.Error(t, err)

	_, err = LoadConfig([]string{"-t", "soon"})
	require.Error(t, err)
}
