package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jgirmay/activity-agent/internal/logging"
	"github.com/jgirmay/activity-agent/internal/models"
	"github.com/jgirmay/activity-agent/internal/store"
)

// TermsVersion is the current privacy terms version the agent ships with
const TermsVersion = "1.0"

// ErrConsentRequired reports an explicitly requested action that cannot run
// because consent is absent. Periodic cycles never return it; they skip
// silently.
var ErrConsentRequired = errors.New("user consent required")

// Action is the outcome of a consent-terms version check
type Action string

const (
	// ActionNone means the stored version already matches the current terms
	ActionNone Action = "none"

	// ActionAutoUpgraded means the terms change was minor and the stored
	// version was silently bumped
	ActionAutoUpgraded Action = "auto_upgraded"

	// ActionReconsentRequired means the terms change was material; capture
	// and sync stay suspended until the user grants again
	ActionReconsentRequired Action = "reconsent_required"
)

// Gate is the versioned permission state machine controlling whether
// capture, aggregation, and sync may run. Every gated component re-checks it
// on each cycle; the state can change between cycles.
type Gate struct {
	store        store.Store
	termsVersion string
	log          *logging.Logger
}

// NewGate creates a consent gate for the given current terms version
func NewGate(s store.Store, termsVersion string, log *logging.Logger) *Gate {
	return &Gate{store: s, termsVersion: termsVersion, log: log}
}

// Active reports whether data collection is currently permitted: consent is
// granted and the agreed version is not materially behind the current terms.
func (g *Gate) Active(ctx context.Context) (bool, error) {
	record, err := g.store.CurrentConsent(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load consent state: %w", err)
	}

	if record == nil || !record.Granted {
		return false, nil
	}

	if record.Version != g.termsVersion && materialChange(record.Version, g.termsVersion) {
		return false, nil
	}

	return true, nil
}

// Grant persists consent for the current terms version
func (g *Gate) Grant(ctx context.Context) error {
	record := &models.ConsentRecord{
		Granted:   true,
		Version:   g.termsVersion,
		Timestamp: time.Now(),
	}
	if err := g.store.AppendConsent(ctx, record); err != nil {
		return fmt.Errorf("failed to persist consent grant: %w", err)
	}

	g.log.Info("consent granted", zap.String("version", g.termsVersion))
	return nil
}

// Revoke withdraws consent. With deleteData set, all raw and aggregated
// records are purged; the consent record itself is preserved.
func (g *Gate) Revoke(ctx context.Context, deleteData bool) error {
	version := g.termsVersion
	record, err := g.store.CurrentConsent(ctx)
	if err != nil {
		g.log.WithError(err).Debug("could not read agreed terms version, recording current terms")
	} else if record != nil {
		version = record.Version
	}

	revocation := &models.ConsentRecord{
		Granted:   false,
		Version:   version,
		Timestamp: time.Now(),
	}
	if err := g.store.AppendConsent(ctx, revocation); err != nil {
		return fmt.Errorf("failed to persist consent revocation: %w", err)
	}

	if deleteData {
		if err := g.store.PurgeUserData(ctx); err != nil {
			return fmt.Errorf("failed to purge user data: %w", err)
		}
		g.log.Info("consent revoked and user data purged")
		return nil
	}

	g.log.Info("consent revoked")
	return nil
}

// HandleVersionUpgrade compares the stored consent version to the current
// terms. A material change demands re-consent; a minor change silently bumps
// the stored version.
func (g *Gate) HandleVersionUpgrade(ctx context.Context) (Action, error) {
	record, err := g.store.CurrentConsent(ctx)
	if err != nil {
		return ActionNone, fmt.Errorf("failed to load consent state: %w", err)
	}

	if record == nil || !record.Granted || record.Version == g.termsVersion {
		return ActionNone, nil
	}

	if materialChange(record.Version, g.termsVersion) {
		g.log.Info("consent terms changed materially, re-consent required",
			zap.String("stored", record.Version),
			zap.String("current", g.termsVersion))
		return ActionReconsentRequired, nil
	}

	bumped := &models.ConsentRecord{
		Granted:   true,
		Version:   g.termsVersion,
		Timestamp: time.Now(),
	}
	if err := g.store.AppendConsent(ctx, bumped); err != nil {
		return ActionNone, fmt.Errorf("failed to persist version bump: %w", err)
	}

	g.log.Info("consent version auto-upgraded",
		zap.String("from", record.Version),
		zap.String("to", g.termsVersion))
	return ActionAutoUpgraded, nil
}

// materialChange reports whether moving between two terms versions requires
// re-consent. A change in the major component is material; anything else is
// editorial.
func materialChange(stored, current string) bool {
	return majorComponent(stored) != majorComponent(current)
}

func majorComponent(version string) string {
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}
