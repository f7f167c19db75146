package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jgirmay/activity-agent/internal/consent"
	"github.com/jgirmay/activity-agent/internal/store"
)

func newConsentCmd() *cobra.Command {
	consentCmd := &cobra.Command{
		Use:   "consent",
		Short: "Inspect and change the data-collection consent state",
	}

	consentCmd.AddCommand(
		newConsentStatusCmd(),
		newConsentGrantCmd(),
		newConsentRevokeCmd(),
	)

	return consentCmd
}

func newConsentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current consent state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, s, log, err := openEnv()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close(db) }()

			gate := consent.NewGate(s, consent.TermsVersion, log)
			active, err := gate.Active(cmd.Context())
			if err != nil {
				return fmt.Errorf("read consent state: %w", err)
			}

			record, err := s.CurrentConsent(cmd.Context())
			if err != nil {
				return fmt.Errorf("read consent record: %w", err)
			}

			out := cmd.OutOrStdout()
			if record == nil {
				_, err = fmt.Fprintln(out, "consent: never asked")
				return err
			}
			fmt.Fprintf(out, "active:  %t\n", active)
			fmt.Fprintf(out, "granted: %t\n", record.Granted)
			fmt.Fprintf(out, "version: %s (current terms %s)\n", record.Version, consent.TermsVersion)
			fmt.Fprintf(out, "since:   %s\n", record.Timestamp.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func newConsentGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant",
		Short: "Grant consent for capture, aggregation, and sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, s, log, err := openEnv()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close(db) }()

			gate := consent.NewGate(s, consent.TermsVersion, log)
			if err := gate.Grant(cmd.Context()); err != nil {
				return fmt.Errorf("grant consent: %w", err)
			}
			if err := s.SetPreference(cmd.Context(), "consent_prompt_pending", "false"); err != nil {
				return fmt.Errorf("clear consent prompt: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "consent granted")
			return err
		},
	}
}

func newConsentRevokeCmd() *cobra.Command {
	var deleteData bool

	revokeCmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke consent; optionally delete all collected data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, s, log, err := openEnv()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close(db) }()

			gate := consent.NewGate(s, consent.TermsVersion, log)
			if err := gate.Revoke(cmd.Context(), deleteData); err != nil {
				return fmt.Errorf("revoke consent: %w", err)
			}

			if deleteData {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "consent revoked, collected data deleted")
			} else {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "consent revoked")
			}
			return err
		},
	}

	revokeCmd.Flags().BoolVar(&deleteData, "delete-data", false, "also delete all locally collected data")
	return revokeCmd
}
