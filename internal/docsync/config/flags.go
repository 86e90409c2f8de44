package config

import (
	"flag"
	"io"

	"github.com/dmitrijs2005/healthsync/internal/flagx"
)

// parseFlags overlays flags:
//
//	-a string     gRPC bind address (e.g. ":50051")
//	-d string     PostgreSQL DSN, empty for the in-memory store
//	-s string     JWT HMAC secret key
//	-t duration   token validity (e.g. "720h")
//	-l string     log level
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, []string{"-a", "-d", "-s", "-t", "-l"})

	fs := flag.NewFlagSet("docsyncd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.EndpointAddrGRPC, "a", cfg.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "database DSN")
	fs.StringVar(&cfg.SecretKey, "s", cfg.SecretKey, "secret key")
	fs.DurationVar(&cfg.TokenValidity, "t", cfg.TokenValidity, "token validity")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	return fs.Parse(args)
}
