package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAuditCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Maintain the audit log",
	}
	cmd.AddCommand(newAuditPurgeCmd(opts))
	return cmd
}

func newAuditPurgeCmd(opts *options) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit entries older than a number of days",
		Long:  `Defaults to audit.retention_days from the config. Zero keeps everything.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("days") {
				days = a.Config.Audit.RetentionDays
			}
			if days < 0 {
				return fmt.Errorf("--days must be non-negative")
			}
			n, err := a.PurgeAudit(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit entries.\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days")
	return cmd
}
