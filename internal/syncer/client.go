package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jgirmay/activity-agent/internal/logging"
	"github.com/jgirmay/activity-agent/internal/models"
)

// CategoryDistribution is the per-category time split of one session, in
// seconds.
type CategoryDistribution struct {
	Work    int `json:"work"`
	Leisure int `json:"leisure"`
	Social  int `json:"social"`
	Neutral int `json:"neutral"`
}

// SessionMetrics carries the derived focus metrics of one session.
type SessionMetrics struct {
	TabSwitches             int     `json:"tab_switches"`
	WindowFocusChanges      int     `json:"window_focus_changes"`
	AvgFocusDurationMinutes float64 `json:"avg_focus_duration_minutes"`
	DistractionRatePerHour  float64 `json:"distraction_rate_per_hour"`
	UniqueDomains           int     `json:"unique_domains"`
}

// SessionUpload is the wire form of one aggregated session.
type SessionUpload struct {
	SessionID            string               `json:"session_id"`
	Timestamp            time.Time            `json:"timestamp"`
	HourKey              string               `json:"hour_key"`
	DurationMinutes      int                  `json:"duration_minutes"`
	CategoryDistribution CategoryDistribution `json:"category_distribution"`
	Metrics              SessionMetrics       `json:"metrics"`
	EventCount           int                  `json:"event_count"`
}

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	Sessions  []SessionUpload `json:"sessions"`
	Timestamp int64           `json:"timestamp"`
}

// SyncResponse is the backend's acknowledgment.
type SyncResponse struct {
	Success     bool   `json:"success"`
	SyncedCount int    `json:"synced_count"`
	Message     string `json:"message"`
}

// VersionResponse carries the backend's compatibility flags.
type VersionResponse struct {
	Compatible      bool   `json:"compatible"`
	UpgradeRequired bool   `json:"upgrade_required"`
	Message         string `json:"message,omitempty"`
	LatestVersion   string `json:"latest_version,omitempty"`
}

// Client delivers session batches to the remote sync endpoint.
type Client struct {
	baseURL       string
	bearerToken   string
	clientVersion string
	http          *http.Client
	log           *logging.Logger
}

// NewClient creates a sync client for the given backend
func NewClient(baseURL, bearerToken, clientVersion string, timeout time.Duration, log *logging.Logger) *Client {
	return &Client{
		baseURL:       baseURL,
		bearerToken:   bearerToken,
		clientVersion: clientVersion,
		http:          &http.Client{Timeout: timeout},
		log:           log,
	}
}

// PushSessions submits one batch. A transport error and a non-2xx status are
// the same thing to the caller: a delivery failure.
func (c *Client) PushSessions(ctx context.Context, sessions []models.AggregatedSession) error {
	uploads := make([]SessionUpload, len(sessions))
	for i, s := range sessions {
		uploads[i] = ToUpload(s)
	}

	body, err := json.Marshal(SyncRequest{
		Sessions:  uploads,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sync request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sync delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("sync delivery failed: http %d", resp.StatusCode)
	}

	var ack SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("sync delivery failed: unreadable acknowledgment: %w", err)
	}

	return nil
}

// CheckVersion queries the backend's compatibility flags. On transport
// failure the caller must assume compatibility rather than blocking sync, so
// the error is swallowed and a compatible response returned.
func (c *Client) CheckVersion(ctx context.Context) *VersionResponse {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return &VersionResponse{Compatible: true}
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithError(err).Debug("version check unreachable, assuming compatible")
		return &VersionResponse{Compatible: true}
	}
	defer resp.Body.Close()

	var version VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return &VersionResponse{Compatible: true}
	}

	return &version
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Version", c.clientVersion)
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
}

// ToUpload converts a stored session into its wire form
func ToUpload(s models.AggregatedSession) SessionUpload {
	return SessionUpload{
		SessionID:       s.SessionID,
		Timestamp:       s.Timestamp,
		HourKey:         s.HourKey,
		DurationMinutes: s.DurationMinutes,
		CategoryDistribution: CategoryDistribution{
			Work:    s.WorkSeconds,
			Leisure: s.LeisureSeconds,
			Social:  s.SocialSeconds,
			Neutral: s.NeutralSeconds,
		},
		Metrics: SessionMetrics{
			TabSwitches:             s.TabSwitches,
			WindowFocusChanges:      s.WindowFocusChanges,
			AvgFocusDurationMinutes: s.AvgFocusMinutes,
			DistractionRatePerHour:  s.DistractionRate,
			UniqueDomains:           s.UniqueDomains,
		},
		EventCount: s.EventCount,
	}
}
