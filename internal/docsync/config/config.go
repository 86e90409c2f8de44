// Package config handles configuration for docsyncd: defaults, an
// optional JSON file, then command-line flags.
package config

import "time"

// Config holds runtime settings for the document sync service.
//
// Fields:
//   - EndpointAddrGRPC: bind address for the gRPC endpoint.
//   - DatabaseDSN: PostgreSQL DSN (pgx). Empty keeps documents in memory.
//   - SecretKey: HMAC secret for signing JWTs (HS256). Do not use the default in prod.
//   - TokenValidity: lifetime of tokens minted by "docsyncd token"; 0 means no expiry.
//   - LogLevel / LogFormat: slog settings.
type Config struct {
	EndpointAddrGRPC string
	DatabaseDSN      string
	SecretKey        string
	TokenValidity    time.Duration
	LogLevel         string
	LogFormat        string
}

// LoadDefaults populates Config with development defaults.
func (c *Config) LoadDefaults() {
	c.EndpointAddrGRPC = ":50051"
	c.DatabaseDSN = ""
	c.SecretKey = "secretKey"
	c.TokenValidity = 30 * 24 * time.Hour
	c.LogLevel = "info"
	c.LogFormat = "json"
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
	return cfg, nil
}
