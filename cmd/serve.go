package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evv-cli/internal/adminapi"
	"github.com/sells-group/evv-cli/internal/scheduler"
)

var (
	servePort     int
	serveSchedule bool
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API",
	Long:  "Serves run triggers, compliance status, the transaction log and remediation tasks. With --schedule the cron scheduler runs in the same process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Server.JWTSecret == "" {
			return eris.New("server.jwt_secret is required (EVV_SERVER_JWT_SECRET)")
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if serveSchedule {
			s := scheduler.New(env.Job, env.Checker, cfg)
			if err := s.Start(ctx); err != nil {
				return err
			}
			defer func() { <-s.Stop().Done() }()
		}

		router := adminapi.NewRouter(adminapi.Deps{
			Store:         env.Store,
			Runner:        env.Job,
			Snapshots:     env.Collector,
			Breakers:      env.Breakers,
			LookbackHours: cfg.Monitoring.LookbackWindowHours,
		}, cfg.Server)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.Bool("scheduler", serveSchedule))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveSchedule, "schedule", false, "also run the cron scheduler")
	rootCmd.AddCommand(serveCmd)
}
