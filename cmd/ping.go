package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/backlog"
	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/resilience"
	"github.com/sells-group/evv-cli/internal/store"
)

var pingOrg string

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the store and each organization's aggregator credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.Aggregator.BaseURL == "" {
			return eris.New("aggregator.base_url is required (EVV_AGGREGATOR_BASE_URL)")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Ping(ctx); err != nil {
			return eris.Wrap(err, "ping store")
		}

		orgs, err := pingTargets(ctx, st, pingOrg)
		if err != nil {
			return err
		}
		clients := backlog.NewClientFactory(cfg.Aggregator, resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()))
		failed := pingOrganizations(ctx, os.Stdout, orgs, clients)
		if failed > 0 {
			return eris.Errorf("%d of %d organizations failed the credentials check", failed, len(orgs))
		}
		return nil
	},
}

func pingTargets(ctx context.Context, st store.Store, orgID string) ([]model.Organization, error) {
	if orgID != "" {
		org, err := st.GetOrganization(ctx, orgID)
		if err != nil {
			return nil, eris.Wrapf(err, "load organization %s", orgID)
		}
		return []model.Organization{*org}, nil
	}
	orgs, err := st.ListActiveOrganizations(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list organizations")
	}
	return orgs, nil
}

// pingOrganizations checks each organization's credentials and returns the
// number that failed.
func pingOrganizations(ctx context.Context, w io.Writer, orgs []model.Organization, clients backlog.ClientFactory) int {
	failed := 0
	for i := range orgs {
		org := &orgs[i]
		if err := clients(org).Ping(ctx); err != nil {
			failed++
			zap.L().Warn("aggregator credentials check failed", zap.String("org_id", org.ID), zap.Error(err))
			fmt.Fprintf(w, "FAIL  %s  %v\n", org.ID, err)
			continue
		}
		fmt.Fprintf(w, "OK    %s\n", org.ID)
	}
	return failed
}

func init() {
	pingCmd.Flags().StringVar(&pingOrg, "org", "", "check a single organization")
	rootCmd.AddCommand(pingCmd)
}
