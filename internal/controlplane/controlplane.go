// Package controlplane implements the Control-Plane Client (C12):
// initialize_metlo's startup handshake and refresh_config's periodic
// snapshot pull.
//
// Grounded on spec §4.12/§6; the request-building and status-classifying
// shape follows the teacher's internal/anonymizer queryOllamaHTTP (a plain
// net/http.Client call, JSON decode, explicit status check).
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"metlo-agent-core/internal/config"
	"metlo-agent-core/internal/snapshot"
)

// defaultTimeout bounds both the init handshake and the config pull.
const defaultTimeout = 10 * time.Second

// Client talks to the metlo control plane / backend.
type Client struct {
	http *http.Client
}

// New returns a Client using the standard control-plane timeout.
func New() *Client {
	return &Client{http: &http.Client{Timeout: defaultTimeout}}
}

// Initialize performs the one-time startup handshake described in spec §6:
// a liveness probe against the resolved collector URL (host alone when
// collectorPort is 0). ok is true only on HTTP 200; msg carries the "message"
// field of the JSON response body (on failure, empty if absent) or an empty
// string (on success). err is non-nil only for a transport-level failure —
// a reachable-but-unhappy collector is reported via ok/msg, not err,
// matching initialize_metlo's "(ok, msg?)" result shape (spec §6).
func (c *Client) Initialize(ctx context.Context, host, apiKey string, collectorPort, backendPort int) (bool, string, error) {
	base := host
	if collectorPort != 0 {
		base = fmt.Sprintf("%s:%d", host, collectorPort)
	}
	url := base + "/api/v1/agent/init"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, "", fmt.Errorf("controlplane: build init request: %w", err)
	}
	req.Header.Set("Authorization", apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("controlplane: init request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&body) //nolint:errcheck // best-effort message extraction
		return false, body.Message, nil
	}
	return true, "", nil
}

// PullConfig implements refresh_config (spec §4.12/§6): GET
// {backend}/api/v1/agent/config, decoded into a ConfigSnapshot. The caller
// (the refresher) is responsible for the atomic Store.Replace swap.
func (c *Client) PullConfig(ctx context.Context, cfg *config.Config) (*snapshot.ConfigSnapshot, error) {
	url := cfg.BackendURL() + "/api/v1/agent/config"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("controlplane: build config request: %w", err)
	}
	req.Header.Set("Authorization", cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("controlplane: config request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("controlplane: config pull returned status %d", resp.StatusCode)
	}

	var snap snapshot.ConfigSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("controlplane: decode config snapshot: %w", err)
	}
	return &snap, nil
}
