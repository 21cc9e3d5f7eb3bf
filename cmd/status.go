package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/evv-cli/internal/monitoring"
)

var (
	statusOrg      string
	statusLookback int
	statusJSON     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog depth and compliance rate per organization",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		lookback := statusLookback
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackWindowHours
		}
		collector := monitoring.NewCollector(st)

		var snaps []monitoring.ComplianceSnapshot
		if statusOrg != "" {
			org, err := st.GetOrganization(ctx, statusOrg)
			if err != nil {
				return err
			}
			snap, err := collector.Collect(ctx, org.ID, lookback)
			if err != nil {
				return err
			}
			snap.OrgName = org.Name
			snaps = append(snaps, *snap)
		} else {
			snaps, err = collector.CollectAll(ctx, lookback)
			if err != nil {
				return err
			}
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snaps)
		}
		if len(snaps) == 0 {
			fmt.Fprintln(os.Stderr, "No active organizations.")
			return nil
		}
		formatSnapshots(os.Stdout, snaps, cfg.Monitoring.ComplianceThreshold)
		return nil
	},
}

func formatSnapshots(w io.Writer, snaps []monitoring.ComplianceSnapshot, threshold float64) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORG\tNAME\tBACKLOG\tOLDEST\tACCEPTED\tREJECTED\tERRORED\tCOMPLIANCE\t")
	for _, s := range snaps {
		flag := ""
		if threshold > 0 && s.ComplianceRate < threshold {
			flag = "below threshold"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.1fh\t%d\t%d\t%d\t%.1f%%\t%s\n",
			s.OrgID, s.OrgName, s.BacklogCount, s.OldestAgeHours,
			s.Accepted, s.Rejected, s.Errored, s.ComplianceRate*100, flag)
	}
	_ = tw.Flush()
}

func init() {
	statusCmd.Flags().StringVar(&statusOrg, "org", "", "show a single organization")
	statusCmd.Flags().IntVar(&statusLookback, "lookback", 0, "outcome window in hours (default from config)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print snapshots as JSON")
	rootCmd.AddCommand(statusCmd)
}
