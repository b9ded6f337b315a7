package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"metlo-agent-core/internal/config"
	"metlo-agent-core/internal/snapshot"
)

func TestInitialize_Success(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	ok, msg, err := c.Initialize(context.Background(), srv.URL, "k", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || msg != "" {
		t.Errorf("expected ok=true, empty msg; got ok=%v msg=%q", ok, msg)
	}
	if gotAuth != "k" {
		t.Errorf("expected Authorization header k, got %q", gotAuth)
	}
}

func TestInitialize_NonOK_ReturnsFalseNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "bad key"}) //nolint:errcheck // test helper
	}))
	defer srv.Close()

	c := New()
	ok, msg, err := c.Initialize(context.Background(), srv.URL, "bad", 0, 0)
	if err != nil {
		t.Fatalf("unreachable collector is a transport error, not this: %v", err)
	}
	if ok {
		t.Error("expected ok=false on 401")
	}
	if msg != "bad key" {
		t.Errorf("expected message from body, got %q", msg)
	}
}

func TestInitialize_TransportError(t *testing.T) {
	c := New()
	_, _, err := c.Initialize(context.Background(), "http://127.0.0.1:1", "k", 0, 0)
	if err == nil {
		t.Fatal("expected a transport error for an unreachable host")
	}
}

func TestPullConfig_DecodesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := snapshot.ConfigSnapshot{CollectorURL: "http://collector", APIKey: "k"}
		json.NewEncoder(w).Encode(snap) //nolint:errcheck // test helper
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	cfg := &config.Config{Host: host, BackendPort: port, APIKey: "k"}

	c := New()
	snap, err := c.PullConfig(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if snap.CollectorURL != "http://collector" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestPullConfig_NonOK_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	cfg := &config.Config{Host: host, BackendPort: port, APIKey: "k"}

	c := New()
	if _, err := c.PullConfig(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for a non-200 config pull")
	}
}

// splitHostPort breaks an httptest server URL (http://127.0.0.1:PORT) into
// the scheme+host Config.BackendURL expects and the bare port number, so
// Config's "host:port" concatenation reconstructs the same URL.
func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return u.Scheme + "://" + u.Hostname(), port
}
