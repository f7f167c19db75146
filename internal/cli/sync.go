package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jgirmay/activity-agent/internal/consent"
	"github.com/jgirmay/activity-agent/internal/store"
	"github.com/jgirmay/activity-agent/internal/syncer"
)

func newSyncCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Manage session delivery to the backend",
	}

	syncCmd.AddCommand(newSyncNowCmd())
	return syncCmd
}

func newSyncNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Run one sync cycle immediately",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, s, log, err := openEnv()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close(db) }()

			gate := consent.NewGate(s, consent.TermsVersion, log)
			active, err := gate.Active(cmd.Context())
			if err != nil {
				return err
			}
			if !active {
				return consent.ErrConsentRequired
			}

			client := syncer.NewClient(cfg.Backend.BaseURL, cfg.Backend.BearerToken, version, cfg.Backend.Timeout, log)
			scheduler := syncer.NewScheduler(s, gate, client, syncer.Options{
				InitialDelay:   cfg.Sync.InitialDelay,
				MaxDelay:       cfg.Sync.MaxDelay,
				MaxAttempts:    cfg.Sync.MaxAttempts,
				QueueBatchSize: cfg.Sync.QueueBatchSize,
			}, log)

			if err := scheduler.RunCycle(cmd.Context()); err != nil {
				return fmt.Errorf("sync cycle: %w", err)
			}
			if err := scheduler.DrainQueue(cmd.Context()); err != nil {
				return fmt.Errorf("drain queue: %w", err)
			}

			remaining, err := s.CountUnsyncedSessions(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "sync complete, %d sessions remaining\n", remaining)
			return err
		},
	}
}
