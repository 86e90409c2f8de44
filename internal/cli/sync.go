package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/healthsync/internal/app"
	"github.com/dmitrijs2005/healthsync/internal/orchestrator"
)

func (c *CLI) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [adapter]",
		Short: "Push local changes and pull remote ones",
		Long: `Runs one replication cycle. If an adapter name is given, only that
adapter runs; otherwise every configured adapter runs concurrently.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				o := a.Orchestrator()
				var (
					reports []orchestrator.Report
					err     error
				)
				if len(args) == 1 {
					var rep orchestrator.Report
					rep, err = o.RunOnce(ctx, args[0])
					reports = []orchestrator.Report{rep}
				} else {
					reports, err = o.RunAll(ctx)
				}

				out := cmd.OutOrStdout()
				for _, r := range reports {
					if r.Adapter == "" {
						continue
					}
					fmt.Fprintf(out, "%s: pushed %d, pulled %d, failed %d\n",
						r.Adapter, r.Pushed.Count, r.Pulled.Count, len(r.Pushed.Errors)+len(r.Pulled.Errors))
					for _, e := range append(r.Pushed.Errors, r.Pulled.Errors...) {
						fmt.Fprintf(out, "  %s\n", e)
					}
				}
				return err
			})
		},
	}
}

func (c *CLI) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show adapters, reachability and pending work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				reachable := a.Orchestrator().Probe(ctx)
				dirty, err := a.Registry().Dirty(ctx)
				if err != nil {
					return err
				}
				return printStatus(ctx, cmd.OutOrStdout(), a, reachable, dirty)
			})
		},
	}
}

func printStatus(ctx context.Context, out io.Writer, a *app.App, reachable map[string]bool, dirty bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Device:\t%s\n", a.DeviceID())
	fmt.Fprintf(w, "Content backends:\t%d reachable=%s\n", len(a.Content().Backends()), yesNo(a.Content().Probe(ctx)))
	fmt.Fprintf(w, "Registry unpublished:\t%s\n", yesNo(dirty))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "ADAPTER\tREACHABLE\tOUTBOX\tSTATE")
	for _, st := range a.Orchestrator().Status() {
		n, err := a.Ledger().OutboxSize(ctx, st.Adapter)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", st.Adapter, yesNo(reachable[st.Adapter]), n, st.State)
	}
	return w.Flush()
}

func (c *CLI) drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Upload content queued while offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Patients().DrainQueue(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Drained %d, still queued %d\n", res.Drained, res.Failed)
				for _, e := range res.Errors {
					fmt.Fprintf(out, "  %s\n", e)
				}
				return nil
			})
		},
	}
}

func (c *CLI) daemonCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync continuously and serve UI events",
		Long: `Runs scheduled sync of every adapter, CouchDB live replication,
PostgreSQL change notifications, queue draining and the WebSocket event
hub until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.cfg.LogFormat = format
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&format, "log-format", "json", "log format, json or text")
	return cmd
}
