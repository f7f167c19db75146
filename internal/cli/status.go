package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jgirmay/activity-agent/internal/consent"
	"github.com/jgirmay/activity-agent/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local store counts and consent state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, s, log, err := openEnv()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close(db) }()

			ctx := cmd.Context()
			gate := consent.NewGate(s, consent.TermsVersion, log)

			active, err := gate.Active(ctx)
			if err != nil {
				return err
			}
			events, err := s.CountActivityEvents(ctx)
			if err != nil {
				return err
			}
			unsynced, err := s.CountUnsyncedSessions(ctx)
			if err != nil {
				return err
			}
			queueDepth, err := s.SyncQueueDepth(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "consent active:    %t\n", active)
			fmt.Fprintf(out, "raw events:        %d\n", events)
			fmt.Fprintf(out, "unsynced sessions: %d\n", unsynced)
			fmt.Fprintf(out, "dead-letter queue: %d\n", queueDepth)
			return nil
		},
	}
}
