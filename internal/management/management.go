// Package management provides a lightweight, read-only HTTP API for
// operational visibility into the running agent.
//
// Endpoints:
//
//	GET /status   - process uptime, collector URL, snapshot/encryption state
//	GET /metrics  - the C16 metrics snapshot as JSON
//
// Grounded on the teacher's internal/management: same Handler()/
// authMiddleware()/writeJSON() shape and the same bearer-token gate, with
// the domain-registry CRUD endpoints replaced by the status fields spec
// §4.14 (SPEC_FULL) names for a trace agent instead of a proxy.
package management

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"metlo-agent-core/internal/config"
	"metlo-agent-core/internal/logger"
	"metlo-agent-core/internal/metrics"
	"metlo-agent-core/internal/snapshot"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	snap      *snapshot.Store
	token     string // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// New creates a management server.
func New(cfg *config.Config, snap *snapshot.Store, m *metrics.Metrics, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		snap:      snap,
		token:     cfg.ManagementToken,
		metrics:   m,
		log:       log,
	}
	if s.token != "" {
		log.Info("management_auth_enabled", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("management_unauthorized", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status            string `json:"status"`
		Uptime            string `json:"uptime"`
		CollectorURL      string `json:"collectorUrl"`
		SnapshotLoaded    bool   `json:"snapshotLoaded"`
		EncryptionEnabled bool   `json:"encryptionEnabled"`
	}

	snap, snapshotLoaded := s.snap.Lease()
	encryptionEnabled := snapshotLoaded && snap.RSAPublicKeyPEM != ""

	resp := response{
		Status:            "running",
		Uptime:            time.Since(s.startTime).Round(time.Second).String(),
		CollectorURL:      s.cfg.CollectorURL(),
		SnapshotLoaded:    snapshotLoaded,
		EncryptionEnabled: encryptionEnabled,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort write; client disconnect is not actionable here
}

// ListenAndServe starts the management HTTP server on cfg.ManagementAddr.
func (s *Server) ListenAndServe() error {
	s.log.Infof("management_listening", "listening on %s", s.cfg.ManagementAddr)
	srv := &http.Server{
		Addr:              s.cfg.ManagementAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
