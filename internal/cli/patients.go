package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/healthsync/internal/app"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

const metadataHelp = `Fields are given as name=value pairs. Known names: name, age, gender,
diagnosis, prescription, room, medical_history, allergies,
emergency_contact.`

// applyPairs overlays name=value pairs on md. An empty value clears the
// field.
func applyPairs(md models.Metadata, pairs []string) (models.Metadata, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return md, err
	}
	fields := map[string]string{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return md, err
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if _, known := fields[k]; !ok || !known || k == "created_by" || k == "updated_by" {
			return md, fmt.Errorf("%q: %w", p, models.ErrIncorrectMetadata)
		}
		fields[k] = v
	}
	raw, err = json.Marshal(fields)
	if err != nil {
		return md, err
	}
	var out models.Metadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return md, err
	}
	return out.Normalize(), nil
}

func (c *CLI) addCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "add name=value...",
		Short:   "Add a patient",
		Long:    "Adds a patient record.\n\n" + metadataHelp,
		Example: `  healthsync add name="Jane Doe" age=42 diagnosis=flu`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := models.ParseMetadata(args)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Patients().AddPatient(ctx, md)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (rev %s)\n", rec.ID, rec.Rev)
				return nil
			})
		},
	}
}

func (c *CLI) updateCmd() *cobra.Command {
	var rev string
	cmd := &cobra.Command{
		Use:   "update <patient-id> name=value...",
		Short: "Change fields of a patient",
		Long: "Changes the given fields and keeps the others.\n\n" + metadataHelp + `

With --rev the update is rejected when the record changed since that
revision was read.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				cur, err := a.Ledger().Get(ctx, args[0])
				if err != nil {
					return err
				}
				md, err := applyPairs(cur.Metadata, args[1:])
				if err != nil {
					return err
				}
				md.UpdatedBy = ""
				if rev == "" {
					rev = cur.Rev
				}
				rec, err := a.Patients().UpdatePatient(ctx, cur.ID, rev, md)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %s (rev %s)\n", rec.ID, rec.Rev)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rev, "rev", "", "expected current revision")
	return cmd
}

func (c *CLI) deleteCmd() *cobra.Command {
	var rev string
	cmd := &cobra.Command{
		Use:   "delete <patient-id>",
		Short: "Delete a patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if rev == "" {
					cur, err := a.Ledger().Get(ctx, args[0])
					if err != nil {
						return err
					}
					rev = cur.Rev
				}
				if _, err := a.Patients().DeletePatient(ctx, args[0], rev); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rev, "rev", "", "expected current revision")
	return cmd
}

func (c *CLI) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <patient-id>",
		Short: "Show a patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Patients().GetPatient(ctx, args[0])
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				md := p.Metadata
				rows := [][2]string{
					{"ID", p.ID}, {"Revision", p.Rev},
					{"Name", md.Name}, {"Age", md.Age}, {"Gender", md.Gender},
					{"Diagnosis", md.Diagnosis}, {"Prescription", md.Prescription},
					{"Room", md.Room}, {"Medical history", md.MedicalHistory},
					{"Allergies", md.Allergies}, {"Emergency contact", md.EmergencyContact},
					{"Created by", md.CreatedBy}, {"Updated by", md.UpdatedBy},
					{"Created", formatTime(p.CreatedAt)}, {"Updated", formatTime(p.UpdatedAt)},
					{"Content", p.ContentRef.String()}, {"Proof", p.BlockchainHash},
					{"Verified", yesNo(p.Verified)},
				}
				for _, r := range rows {
					if r[1] != "" {
						fmt.Fprintf(w, "%s:\t%s\n", r[0], r[1])
					}
				}
				for _, att := range p.Attachments {
					fmt.Fprintf(w, "Attachment:\t%s (%d bytes, %s)\n", att.ID, att.Size, formatTime(att.CreatedAt))
				}
				return w.Flush()
			})
		},
	}
}

func (c *CLI) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List patients, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				recs, err := a.Patients().ListPatients(ctx)
				if err != nil {
					return err
				}
				return printRecords(cmd.OutOrStdout(), recs)
			})
		},
	}
}

func (c *CLI) searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Find patients by name, diagnosis or age",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				recs, err := a.Patients().SearchPatients(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return printRecords(cmd.OutOrStdout(), recs)
			})
		},
	}
}

func (c *CLI) exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every patient as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var w io.Writer = cmd.OutOrStdout()
				if output != "" {
					f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				n, err := a.Patients().Export(ctx, w)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d patients\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func printRecords(out io.Writer, recs []models.Record) error {
	if len(recs) == 0 {
		fmt.Fprintln(out, "No patients.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tAGE\tDIAGNOSIS\tUPDATED")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Metadata.Name, r.Metadata.Age, r.Metadata.Diagnosis, formatTime(r.UpdatedAt))
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.DateTime)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
