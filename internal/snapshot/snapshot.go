// Package snapshot implements the Config Snapshot (C9): a process-wide,
// reader-preferred, hot-swappable view of the control-plane configuration
// (endpoint table, authentication descriptors, collector credentials,
// crypto material).
//
// Readers acquire a non-blocking lease (sync.Mutex.TryLock): if the writer
// (the refresher) currently holds the lock, the reader proceeds with no
// configuration rather than wait — spec §4.9's "liveness over completeness"
// contract. The writer takes a normal blocking Lock and swaps the pointer
// wholesale; the snapshot itself is never mutated in place, so a leased
// pointer stays valid for the caller's entire trace even if a swap happens
// concurrently (spec §3 "Lifecycle").
//
// Grounded on the teacher's internal/anonymizer/cache.go PersistentCache:
// the same bbolt-backed single-value-store idea, retargeted from caching
// Ollama PII tokens to persisting the last-known-good ConfigSnapshot so the
// agent starts in a degraded-but-non-empty state if the control plane is
// unreachable at boot.
package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"

	"metlo-agent-core/internal/logger"
	"metlo-agent-core/internal/pathmatch"
	"metlo-agent-core/internal/trace"
)

// ConfigSnapshot is the immutable configuration view shared by every
// concurrent pipeline invocation (spec §3).
type ConfigSnapshot struct {
	// Endpoints is keyed by pathmatch.LookupKey(host, method); candidates
	// within a slice are scanned in order, first match wins (spec §4.4).
	Endpoints map[string][]trace.EndpointConfig `json:"endpoints"`

	// Auth is keyed by host.
	Auth map[string]trace.AuthenticationConfig `json:"auth"`

	CollectorURL           string `json:"collectorUrl"`
	APIKey                 string `json:"apiKey"`
	GlobalFullTraceCapture bool   `json:"globalFullTraceCapture"`

	// RSAPublicKeyPEM and HMACKey are optional crypto material (spec §3);
	// nil/empty disables C7 Envelope Encryption and the C6 HMAC session key
	// respectively.
	RSAPublicKeyPEM string `json:"rsaPublicKeyPem,omitempty"`
	HMACKey         []byte `json:"hmacKey,omitempty"`

	// OpenAPISpecs carries the raw (JSON or YAML) document bytes for every
	// openapi_spec_name referenced by Endpoints, keyed by that same name.
	// spec.md leaves "how specs reach the agent" unspecified (§3 only names
	// EndpointConfig.openapi_spec_name as a lookup key); this expansion
	// decides the control plane ships the documents inline in the config
	// pull rather than via a second fetch, so C5 Schema Diff has something
	// concrete to load (see DESIGN.md's Open Question decisions).
	OpenAPISpecs map[string][]byte `json:"openApiSpecs,omitempty"`
}

// EndpointMatch is what C4 Path Matcher resolves an observed request to.
type EndpointMatch struct {
	Path                    string
	OpenAPISpecName         string
	IsGraphQL               bool
	FullTraceCaptureEnabled bool
	Matched                 bool
}

// FindEndpoint applies the Path Matcher (C4) against this snapshot's
// endpoint table: build the lookup key, scan candidates in order, return
// the first template that matches the observed path. No match returns a
// zero-value EndpointMatch with Matched=false — "raw observed path, no
// OpenAPI context, GraphQL disabled, capture disabled" per spec §4.4.
func (c *ConfigSnapshot) FindEndpoint(host, method, observedPath string) EndpointMatch {
	if c == nil {
		return EndpointMatch{}
	}
	key := pathmatch.LookupKey(host, method)
	candidates := c.Endpoints[key]
	tokens := pathmatch.SplitPath(observedPath)
	for _, ep := range candidates {
		if pathmatch.IsEndpointMatch(tokens, ep.Path) {
			specName := ""
			if ep.OpenAPISpecName != nil {
				specName = *ep.OpenAPISpecName
			}
			return EndpointMatch{
				Path:                    ep.Path,
				OpenAPISpecName:         specName,
				IsGraphQL:               ep.IsGraphQL,
				FullTraceCaptureEnabled: ep.FullTraceCaptureEnabled,
				Matched:                 true,
			}
		}
	}
	return EndpointMatch{}
}

// FindAuth returns the authentication descriptor configured for host, if any.
func (c *ConfigSnapshot) FindAuth(host string) (trace.AuthenticationConfig, bool) {
	if c == nil {
		return trace.AuthenticationConfig{}, false
	}
	a, ok := c.Auth[strings.ToLower(host)]
	return a, ok
}

// Store is the process-wide container described above. The zero value is
// not usable; construct with Open.
type Store struct {
	mu      sync.Mutex
	current *ConfigSnapshot

	db     *bolt.DB // nil when persistence is disabled
	log    *logger.Logger
}

var bucketName = []byte("config_snapshot")
var latestKey = []byte("latest")

// Open constructs a Store. If path is non-empty, it opens (or creates) a
// bbolt database there and attempts to load a previously persisted
// snapshot as the initial value — so the agent isn't configuration-empty
// on a restart even before the first successful refresh.
func Open(path string, log *logger.Logger) (*Store, error) {
	s := &Store{log: log}
	if path == "" {
		return s, nil
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot cache %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	s.db = db

	if persisted, err := s.loadPersisted(); err != nil {
		log.Warnf("snapshot_load", "could not load persisted snapshot: %v", err)
	} else if persisted != nil {
		s.current = persisted
		log.Infof("snapshot_load", "restored last-known-good config snapshot from %s", path)
	}
	return s, nil
}

// Lease acquires a non-blocking read lease on the current snapshot (spec
// §4.9). ok is false if the lock was contended (the writer is mid-swap) or
// no snapshot has ever been set — in both cases the caller must run in
// "no configuration" mode.
func (s *Store) Lease() (snap *ConfigSnapshot, ok bool) {
	if !s.mu.TryLock() {
		return nil, false
	}
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, false
	}
	return s.current, true
}

// Replace atomically swaps the current snapshot and, if persistence is
// enabled, best-effort persists it so it survives a restart. This is the
// refresher's sole write path (spec §4.9/§5 — writer access belongs
// exclusively to the refresher task).
func (s *Store) Replace(snap *ConfigSnapshot) {
	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()

	if s.db == nil || snap == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Warnf("snapshot_persist", "marshal error: %v", err)
		return
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(latestKey, data)
	}); err != nil {
		s.log.Warnf("snapshot_persist", "bbolt write error: %v", err)
	}
}

func (s *Store) loadPersisted() (*ConfigSnapshot, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		if v := b.Get(latestKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	var snap ConfigSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal persisted snapshot: %w", err)
	}
	return &snap, nil
}

// Close releases the backing bbolt database, if one is open.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
