package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/evv-cli/internal/backlog"
)

var (
	runOrg  string
	runJSON bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one backlog submission pass",
	Long:  "Processes candidate visits for every active organization, or for a single organization with --org, and prints the run report.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var report *backlog.RunReport
		if runOrg != "" {
			start := time.Now().UTC()
			org, err := env.Job.RunOrg(ctx, runOrg)
			if err != nil {
				return err
			}
			report = &backlog.RunReport{
				StartedAt:  start,
				FinishedAt: time.Now().UTC(),
				Orgs:       []backlog.OrgReport{*org},
			}
		} else {
			report, err = env.Job.Run(ctx)
			if err != nil {
				return err
			}
		}

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		formatRunReport(os.Stdout, report)
		return nil
	},
}

func formatRunReport(w io.Writer, r *backlog.RunReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORG\tCANDIDATES\tSUBMITTED\tREJECTED\tERRORED\tBLOCKED\tDEFERRED\tUNCHANGED\tBACKLOG\tOLDEST\tNOTE")
	for _, o := range r.Orgs {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.1fh\t%s\n",
			o.OrgID, o.Candidates, o.Submitted, o.Rejected, o.Errored, o.Blocked,
			o.Deferred, o.Unchanged, o.BacklogCount, o.OldestAgeHours, orgNote(o))
	}
	t := r.Totals()
	fmt.Fprintf(tw, "TOTAL\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.1fh\t%s\n",
		t.Candidates, t.Submitted, t.Rejected, t.Errored, t.Blocked,
		t.Deferred, t.Unchanged, t.BacklogCount, t.OldestAgeHours, t.Duration.Round(time.Millisecond))
	_ = tw.Flush()
}

func orgNote(o backlog.OrgReport) string {
	switch {
	case o.Error != "":
		return "error: " + o.Error
	case o.Skipped:
		return "skipped (run in progress)"
	case o.Escalated:
		return "backlog escalated"
	default:
		return ""
	}
}

func init() {
	runCmd.Flags().StringVar(&runOrg, "org", "", "process a single organization")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(runCmd)
}
