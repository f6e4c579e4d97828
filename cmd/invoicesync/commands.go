// cmd/invoicesync/commands.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eGGnogSC/invoicesync/infrastructure"
	"github.com/eGGnogSC/invoicesync/internal/config"
	"github.com/eGGnogSC/invoicesync/internal/invoicesync"
)

type rootOptions struct {
	configPath string
	jsonOutput bool
}

// withContainer loads configuration, builds the dependency container and
// hands it to fn. Credentials are only shared with the server when both
// point at the same Redis.
func (o *rootOptions) withContainer(ctx context.Context, fn func(*infrastructure.Container) error) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	c, err := infrastructure.NewContainer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Shutdown()
	return fn(c)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "invoicesync",
		Short:         "Sync invoice files and rows to OneDrive and Excel",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"_CONFIG"), "Path to a YAML config file")
	root.PersistentFlags().BoolVarP(&opts.jsonOutput, "json", "j", false, "Output as JSON")

	root.AddCommand(statusCmd(opts))
	root.AddCommand(logoutCmd(opts))
	root.AddCommand(syncCmd(opts))
	root.AddCommand(invoiceCmd(opts, "upload <invoice-id>", "Upload an invoice file and append its row", func(c *infrastructure.Container) func(context.Context, string) invoicesync.Result {
		return c.SyncService.UploadByID
	}))
	root.AddCommand(invoiceCmd(opts, "resync <invoice-id>", "Update an uploaded invoice's row", func(c *infrastructure.Container) func(context.Context, string) invoicesync.Result {
		return c.SyncService.ResyncByID
	}))
	root.AddCommand(invoiceCmd(opts, "remove <invoice-id>", "Delete an invoice's remote file and row", func(c *infrastructure.Container) func(context.Context, string) invoicesync.Result {
		return c.SyncService.RemoveByID
	}))
	root.AddCommand(foldersCmd(opts))
	return root
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a Microsoft account is connected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withContainer(cmd.Context(), func(c *infrastructure.Container) error {
				status := c.AuthManager.Status(cmd.Context())
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), status)
				}
				out := cmd.OutOrStdout()
				if !status.Connected {
					fmt.Fprintln(out, "Not connected")
					return nil
				}
				fmt.Fprintln(out, "Connected")
				fmt.Fprintf(out, "  Expires: %s\n", status.ExpiresAt.Format("2006-01-02 15:04:05"))
				if len(status.Scopes) > 0 {
					fmt.Fprintf(out, "  Scopes:  %s\n", strings.Join(status.Scopes, " "))
				}
				return nil
			})
		},
	}
}

func logoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored Microsoft credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withContainer(cmd.Context(), func(c *infrastructure.Container) error {
				if err := c.AuthManager.Logout(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
				return nil
			})
		},
	}
}

func syncCmd(opts *rootOptions) *cobra.Command {
	var month string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync every invoice of a month that is not in the workbook yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withContainer(cmd.Context(), func(c *infrastructure.Container) error {
				report, err := c.BatchRunner.Run(cmd.Context(), month)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				printReport(cmd.OutOrStdout(), report)
				if report.Failed > 0 {
					return fmt.Errorf("%d of %d invoices failed", report.Failed, report.Total)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&month, "month", "m", "", "Month to sync as YYYY-MM (all months when empty)")
	return cmd
}

func invoiceCmd(opts *rootOptions, use, short string, op func(*infrastructure.Container) func(context.Context, string) invoicesync.Result) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withContainer(cmd.Context(), func(c *infrastructure.Container) error {
				res := op(c)(cmd.Context(), args[0])
				if opts.jsonOutput {
					if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
						return err
					}
				} else {
					printResult(cmd.OutOrStdout(), res)
				}
				if !res.Success {
					return fmt.Errorf("invoice %s: %s", args[0], res.Kind())
				}
				return nil
			})
		},
	}
}

func foldersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "folders [path]",
		Short: "List OneDrive folders under a path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return opts.withContainer(cmd.Context(), func(c *infrastructure.Container) error {
				if _, err := c.AuthManager.EnsureValidToken(cmd.Context()); err != nil {
					return err
				}
				items, err := c.Drive.ListFolders(cmd.Context(), path)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), items)
				}
				for _, item := range items {
					fmt.Fprintln(cmd.OutOrStdout(), item.Name)
				}
				return nil
			})
		},
	}
}

func printResult(w io.Writer, res invoicesync.Result) {
	if res.Success {
		fmt.Fprintln(w, "OK")
	} else {
		fmt.Fprintf(w, "Failed (%s)\n", res.Kind())
		if res.Err != nil {
			fmt.Fprintf(w, "  Error:   %s\n", res.Err)
		}
	}
	if res.FileURL != "" {
		fmt.Fprintf(w, "  File:    %s\n", res.FileURL)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "  Warning: %s\n", warning)
	}
}

func printReport(w io.Writer, r invoicesync.BatchReport) {
	month := r.Month
	if month == "" {
		month = "all months"
	}
	fmt.Fprintf(w, "Batch %s (%s): %s\n", r.ID, month, r.State)
	fmt.Fprintf(w, "  Total:     %d\n", r.Total)
	fmt.Fprintf(w, "  Succeeded: %d\n", r.Succeeded)
	fmt.Fprintf(w, "  Failed:    %d\n", r.Failed)
	fmt.Fprintf(w, "  Skipped:   %d\n", r.Skipped)
	for _, msg := range r.Errors {
		fmt.Fprintf(w, "  - %s\n", msg)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
