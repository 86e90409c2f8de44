package config

import (
	"flag"
	"io"

	"github.com/dmitrijs2005/healthsync/internal/flagx"
)

// Flags understood by parseFlags. Commands that own the command line must
// accept them too.
var Flags = []string{"-d", "-u", "-l", "-i", "-a", "-k", "-p"}

// parseFlags overlays flags:
//
//	-d string     data directory
//	-u string     user name recorded on writes
//	-l string     log level
//	-i duration   sync interval (e.g. "5m")
//	-a string     event hub address, empty to disable
//	-k string     kubo API URL
//	-p string     PostgreSQL DSN of the relational adapter
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, Flags)

	fs := flag.NewFlagSet("healthsync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.StringVar(&cfg.User, "u", cfg.User, "user name")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	fs.DurationVar(&cfg.SyncInterval, "i", cfg.SyncInterval, "sync interval")
	fs.StringVar(&cfg.HubAddr, "a", cfg.HubAddr, "event hub address")
	fs.StringVar(&cfg.KuboURL, "k", cfg.KuboURL, "kubo API URL")
	fs.StringVar(&cfg.PostgresDSN, "p", cfg.PostgresDSN, "postgres DSN")

	return fs.Parse(args)
}
