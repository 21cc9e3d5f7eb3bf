package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/monitoring"
	"github.com/sells-group/evv-cli/internal/report"
)

var (
	reportOrg   string
	reportOut   string
	reportSince time.Duration
	reportLimit int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export an organization's transactions, backlog and remediation tasks to XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if reportOrg == "" {
			return eris.New("--org is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if _, err := st.GetOrganization(ctx, reportOrg); err != nil {
			return eris.Wrapf(err, "load organization %s", reportOrg)
		}

		opts := report.Options{
			Limit:         reportLimit,
			LookbackHours: cfg.Monitoring.LookbackWindowHours,
		}
		if reportSince > 0 {
			opts.Since = time.Now().UTC().Add(-reportSince)
		}

		r, err := report.Collect(ctx, st, monitoring.NewCollector(st), reportOrg, opts)
		if err != nil {
			return err
		}

		out := reportOut
		if out == "" {
			out = fmt.Sprintf("evv-%s-%s.xlsx", reportOrg, r.GeneratedAt.Format("20060102"))
		}
		if err := r.Save(out); err != nil {
			return err
		}

		zap.L().Info("report written",
			zap.String("path", out),
			zap.Int("transactions", len(r.Transactions)),
			zap.Int("backlog", len(r.Backlog)),
			zap.Int("remediations", len(r.Remediations)),
		)
		fmt.Fprintln(os.Stderr, out)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportOrg, "org", "", "organization ID")
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "output path (default evv-<org>-<date>.xlsx)")
	reportCmd.Flags().DurationVar(&reportSince, "since", 7*24*time.Hour, "transaction window")
	reportCmd.Flags().IntVar(&reportLimit, "limit", 0, "max transaction and backlog rows (default 5000)")
	rootCmd.AddCommand(reportCmd)
}
