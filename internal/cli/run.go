package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jgirmay/activity-agent/internal/consent"
	"github.com/jgirmay/activity-agent/internal/coordinator"
	"github.com/jgirmay/activity-agent/internal/server"
	"github.com/jgirmay/activity-agent/internal/store"
	"github.com/jgirmay/activity-agent/internal/syncer"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent: capture endpoint, periodic cycles, and local API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, s, log, err := openEnv()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close(db) }()
			defer func() { _ = log.Sync() }()

			gate := consent.NewGate(s, consent.TermsVersion, log)
			client := syncer.NewClient(cfg.Backend.BaseURL, cfg.Backend.BearerToken, version, cfg.Backend.Timeout, log)
			scheduler := syncer.NewScheduler(s, gate, client, syncer.Options{
				InitialDelay:   cfg.Sync.InitialDelay,
				MaxDelay:       cfg.Sync.MaxDelay,
				MaxAttempts:    cfg.Sync.MaxAttempts,
				QueueBatchSize: cfg.Sync.QueueBatchSize,
			}, log)
			coord := coordinator.New(cfg, version, s, gate, scheduler, client, log)
			srv := server.NewServer(cfg, version, s, gate, coord, scheduler, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := coord.Start(ctx); err != nil {
				return fmt.Errorf("start coordinator: %w", err)
			}
			defer coord.Stop()

			log.Info("agent started", zap.String("version", version))

			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		},
	}
}
