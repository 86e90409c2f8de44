// Package cli is the healthsync command line.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dmitrijs2005/healthsync/internal/app"
	"github.com/dmitrijs2005/healthsync/internal/config"
)

// EnvPassphrase supplies the passphrase without a prompt.
const EnvPassphrase = "HEALTHSYNC_PASSPHRASE"

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

var errPassphraseMismatch = errors.New("passphrases do not match")

// configFlags are the persistent flags forwarded to config.LoadConfig,
// by long name. Each has the shorthand config.LoadConfig understands.
var configFlags = []string{"config", "data-dir", "user", "log-level", "interval", "hub-addr", "kubo", "postgres"}

type CLI struct {
	cfg     *config.Config
	appOpts []app.Option
	stdin   *os.File
}

type Option func(*CLI)

// WithAppOptions passes options to every app.New call.
func WithAppOptions(opts ...app.Option) Option {
	return func(c *CLI) { c.appOpts = append(c.appOpts, opts...) }
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	c := &CLI{stdin: os.Stdin}
	for _, o := range opts {
		o(c)
	}

	root := &cobra.Command{
		Use:   "healthsync",
		Short: "Offline-first encrypted patient records",
		Long: `healthsync keeps encrypted patient records on this device and
replicates them to content-addressed storage and to CouchDB, PostgreSQL
or a document sync service when those are reachable.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.loadConfig,
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "JSON config file")
	pf.StringP("data-dir", "d", "", "data directory")
	pf.StringP("user", "u", "", "user name recorded on writes")
	pf.StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	pf.DurationP("interval", "i", 0, "sync interval of the daemon")
	pf.StringP("hub-addr", "a", "", "event hub address of the daemon")
	pf.StringP("kubo", "k", "", "kubo API URL")
	pf.StringP("postgres", "p", "", "PostgreSQL DSN")

	root.AddCommand(
		c.initCmd(),
		c.addCmd(), c.updateCmd(), c.deleteCmd(), c.showCmd(), c.listCmd(), c.searchCmd(),
		c.attachCmd(), c.attachmentCmd(),
		c.syncCmd(), c.statusCmd(), c.drainCmd(), c.exportCmd(), c.daemonCmd(),
	)
	return root
}

func (c *CLI) loadConfig(cmd *cobra.Command, _ []string) error {
	var args []string
	for _, name := range configFlags {
		f := cmd.Flags().Lookup(name)
		if f != nil && f.Changed {
			args = append(args, "-"+f.Shorthand, f.Value.String())
		}
	}
	cfg, err := config.LoadConfig(args)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// passphrase reads EnvPassphrase, or prompts on the terminal. With
// confirm set the prompt is repeated and both entries must match.
func (c *CLI) passphrase(w io.Writer, confirm bool) ([]byte, error) {
	if p := os.Getenv(EnvPassphrase); p != "" {
		return []byte(p), nil
	}

	read := func(prompt string) ([]byte, error) {
		fmt.Fprint(w, prompt)
		pw, err := readPassword(int(c.stdin.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		return pw, nil
	}

	pw, err := read("Passphrase: ")
	if err != nil {
		return nil, err
	}
	if len(pw) == 0 {
		return nil, errors.New("passphrase is required")
	}
	if confirm {
		again, err := read("Repeat passphrase: ")
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(pw, again) {
			return nil, errPassphraseMismatch
		}
	}
	return pw, nil
}

func (c *CLI) openApp(cmd *cobra.Command, confirm bool) (*app.App, error) {
	pw, err := c.passphrase(cmd.ErrOrStderr(), confirm)
	if err != nil {
		return nil, err
	}
	a, err := app.New(cmd.Context(), c.cfg, pw, c.appOpts...)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.cfg.DataDir, err)
	}
	return a, nil
}

// withApp opens the installation, runs f and closes it again.
func (c *CLI) withApp(cmd *cobra.Command, f func(ctx context.Context, a *app.App) error) error {
	a, err := c.openApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return f(cmd.Context(), a)
}

func (c *CLI) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or unlock the local installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Data dir:  %s\n", a.Config().DataDir)
			fmt.Fprintf(out, "Device ID: %s\n", a.DeviceID())
			fmt.Fprintf(out, "Adapters:  %v\n", a.Orchestrator().Adapters())
			return nil
		},
	}
}

// Execute runs the command line and reports the error on stderr.
func Execute(ctx context.Context, args []string, opts ...Option) error {
	root := NewRootCommand(opts...)
	root.SetArgs(args)
	root.SilenceErrors = true
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	return err
}
