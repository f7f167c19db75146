package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/jgirmay/activity-agent/internal/config"
	"github.com/jgirmay/activity-agent/internal/logging"
	"github.com/jgirmay/activity-agent/internal/store"
)

// version is stamped at build time via -ldflags
var version = "1.0.0"

// Execute runs the agent CLI
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "activity-agent",
		Short:         "Local browsing-activity agent: capture, aggregate, and sync",
		Long:          "activity-agent captures browsing activity signals from local probes, aggregates them into hourly sessions, and syncs them to a backend once the user has granted consent.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newConsentCmd(),
		newSyncCmd(),
		newStatusCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

// openEnv loads the configuration and opens the local store for the
// short-lived commands; run wires its own stack.
func openEnv() (*config.Config, *gorm.DB, store.Store, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init logging: %w", err)
	}

	db, err := store.Open(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open database: %w", err)
	}

	return cfg, db, store.New(db, cfg.Retention.MaxRawEvents), log, nil
}
