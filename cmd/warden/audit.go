package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/audit"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit chain",
	}
	cmd.AddCommand(newAuditVerifyCmd(), newAuditTailCmd())
	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash and check prev_hash linkage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			res, err := audit.VerifyLog(cfg.Audit.LogPath)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			if res.OK {
				fmt.Println(okStyle.Render(fmt.Sprintf("Chain intact: %d records", res.Records)))
				return nil
			}
			fmt.Println(warnStyle.Render(fmt.Sprintf("Chain broken at record %d: %s", res.FirstMismatch, res.Reason)))
			return fmt.Errorf("audit chain verification failed")
		},
	}
}

func newAuditTailCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			recs, err := audit.ReadAll(cfg.Audit.LogPath)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println(dimStyle.Render("Audit log is empty"))
				return nil
			}
			start := len(recs) - count
			if start < 0 {
				start = 0
			}
			for _, rec := range recs[start:] {
				fmt.Printf("%s  %-22s  %s\n",
					dimStyle.Render(rec.Timestamp),
					rec.Type,
					dimStyle.Render(rec.Hash[:12]))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "n", 20, "How many records to show")
	return cmd
}
