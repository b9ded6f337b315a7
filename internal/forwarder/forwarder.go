// Package forwarder implements the Forwarder (C10): building the outgoing
// ProcessedApiTrace (encrypted or redacted per the full-capture flag) and
// POSTing it to the collector's log-request endpoint.
//
// Grounded on spec §4.10; the POST-and-classify shape follows the teacher's
// internal/anonymizer queryOllamaHTTP (net/http.Client with an explicit
// timeout, status-code classification, never a retry loop).
package forwarder

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"metlo-agent-core/internal/envelope"
	"metlo-agent-core/internal/logger"
	"metlo-agent-core/internal/metrics"
	"metlo-agent-core/internal/session"
	"metlo-agent-core/internal/trace"
)

// defaultTimeout bounds the collector round trip (spec §5 "collector HTTP
// client's own timeout" is one of the two things bounding a pipeline run).
const defaultTimeout = 10 * time.Second

// Forwarder POSTs processed traces to a configured collector.
type Forwarder struct {
	client *http.Client
	log    *logger.Logger
	met    *metrics.Metrics
}

// New returns a Forwarder with the standard collector timeout.
func New(log *logger.Logger, met *metrics.Metrics) *Forwarder {
	return &Forwarder{client: &http.Client{Timeout: defaultTimeout}, log: log, met: met}
}

// Send implements spec §4.10 steps 1-4. collectorURL is the configured base
// URL (no trailing slash assumed); apiKey is sent verbatim as the
// Authorization header. rsaPub is nil when no encryption key is configured,
// which forces the redacted path regardless of the capture flags.
func (f *Forwarder) Send(ctx context.Context, collectorURL, apiKey string, rsaPub *rsa.PublicKey, hmacKey []byte, authDescriptor *trace.AuthenticationConfig, tr *trace.ApiTrace, result *trace.ProcessTraceRes, globalFullCapture, endpointFullCapture bool) error {
	processed, err := f.build(tr, result, rsaPub, hmacKey, authDescriptor, globalFullCapture, endpointFullCapture)
	if err != nil {
		f.met.EncryptionErrors.Add(1)
		return fmt.Errorf("forwarder: build processed trace: %w", err)
	}

	body, err := json.Marshal(processed)
	if err != nil {
		return fmt.Errorf("forwarder: marshal processed trace: %w", err)
	}

	url := collectorURL + "/api/v2/log-request/single"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forwarder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", apiKey)

	start := time.Now()
	resp, err := f.client.Do(req)
	f.met.RecordForwardLatency(time.Since(start))
	if err != nil {
		f.met.ForwardError.Add(1)
		f.log.Errorf("forward_transport_error", "POST %s: %v", url, err)
		return fmt.Errorf("forwarder: transport error: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close, response already consumed below

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK {
		f.met.ForwardSuccess.Add(1)
		f.log.Tracef("forward_success", "collector accepted trace for %s %s", tr.Request.Method, tr.Request.Url.Path)
		return nil
	}

	f.met.ForwardSoft.Add(1)
	f.log.Warnf("forward_soft_failure", "collector returned %d: %s", resp.StatusCode, string(respBody))
	return nil
}

// build applies Session Identity and Envelope Encryption/Redaction, per
// spec §4.10 step 2: encryption is applied iff global OR per-endpoint
// full-capture is true, and only when an RSA key is actually configured.
func (f *Forwarder) build(tr *trace.ApiTrace, result *trace.ProcessTraceRes, rsaPub *rsa.PublicKey, hmacKey []byte, authDescriptor *trace.AuthenticationConfig, globalFullCapture, endpointFullCapture bool) (*trace.ProcessedApiTrace, error) {
	sessionMeta := session.Compute(tr, authDescriptor, hmacKey)

	if (globalFullCapture || endpointFullCapture) && rsaPub != nil {
		enc, err := envelope.Encrypt(rsaPub, tr)
		if err != nil {
			return nil, err
		}
		f.met.EncryptionApplied.Add(1)
		return &trace.ProcessedApiTrace{
			Request:            enc.Request,
			Response:           enc.Response,
			Meta:               tr.Meta,
			Redacted:           false,
			ProcessedTraceData: *result,
			Encryption:         enc.Encryption,
			SessionMeta:        sessionMeta,
		}, nil
	}

	red := envelope.Redact(tr)
	f.met.TracesRedacted.Add(1)
	return &trace.ProcessedApiTrace{
		Request:            red.Request,
		Response:           red.Response,
		Meta:               tr.Meta,
		Redacted:           true,
		ProcessedTraceData: *result,
		Encryption:         nil,
		SessionMeta:        sessionMeta,
	}, nil
}
