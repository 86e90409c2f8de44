package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/healthsync/internal/app"
	"github.com/dmitrijs2005/healthsync/internal/filex"
)

func (c *CLI) attachCmd() *cobra.Command {
	var description, rev string
	cmd := &cobra.Command{
		Use:   "attach <patient-id> <file>",
		Short: "Attach a file to a patient",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			up, err := filex.ReadUpload(args[1])
			if err != nil {
				return err
			}
			up.Description = description

			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if rev == "" {
					cur, err := a.Ledger().Get(ctx, args[0])
					if err != nil {
						return err
					}
					rev = cur.Rev
				}
				rec, att, err := a.Patients().AddAttachment(ctx, args[0], rev, up)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Attached %s to %s (%d bytes, rev %s)\n", att.ID, rec.ID, att.Size, rec.Rev)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "what the file is")
	cmd.Flags().StringVar(&rev, "rev", "", "expected current revision of the patient")
	return cmd
}

func (c *CLI) attachmentCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "attachment <patient-id> <attachment-id>",
		Short: "Save an attachment to disk",
		Long: `Decrypts an attachment and writes it to --output, or to its original
file name in the current directory.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				data, meta, err := a.Patients().GetAttachment(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				path := output
				if path == "" {
					path = args[1]
					if meta.Filename != "" {
						path = filepath.Base(meta.Filename)
					}
				}
				if err := os.WriteFile(path, data, 0o600); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s, %d bytes)\n", path, meta.ContentType, len(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write")
	return cmd
}
