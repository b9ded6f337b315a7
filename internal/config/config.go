// Package config loads the agent's startup configuration.
//
// Settings are layered the same way the teacher proxy layers its own:
// defaults → credential file chain → environment variables → command-line
// flags (flags win). Unlike the teacher, most of this agent's settings are
// required control-plane identity (host, API key) rather than local
// tunables, so there is no proxy-config.json equivalent — only the
// credential-file lookup chain from spec §6.
package config

import (
	"bufio"
	"errors"
	"flag"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrConfigInvalid is wrapped by every validation failure Load can return
// (bad host URL, unknown log level, missing required key) — spec §7's
// ConfigInvalid taxonomy entry. Callers print/log it and exit cleanly.
var ErrConfigInvalid = errors.New("config invalid")

// recognizedLogLevels are the only values LOG_LEVEL / -l may take (spec §6).
var recognizedLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// credentialFiles returns the lookup order for optional credential files
// (spec §6): each is tried in turn and merged in, later files overriding
// earlier ones; none of them are required to exist.
func credentialFiles() []string {
	paths := []string{"/opt/metlo/credentials"}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".metlo", "credentials"))
	}
	paths = append(paths, ".env")
	return paths
}

// Config holds the fully resolved agent configuration.
type Config struct {
	Host          string // METLO_HOST / -m, required
	APIKey        string // METLO_KEY / -a, required
	CollectorPort int    // COLLECTOR_PORT / -c, default 8081
	BackendPort   int    // BACKEND_PORT / -b, 0 = unset
	ListenSocket  string // LISTEN_SOCKET / -s, default /tmp/metlo.sock
	LogLevel      string // LOG_LEVEL / -l, default info

	// ManagementAddr and ManagementToken configure the status/metrics
	// server (C14, not named in spec.md, added per SPEC_FULL §4.14).
	ManagementAddr  string
	ManagementToken string

	// ConfigRefreshSeconds is the refresher's cadence (spec §4.9 default 60s).
	ConfigRefreshSeconds int

	// SnapshotCacheFile is the bbolt store backing the last-known-good
	// ConfigSnapshot (SPEC_FULL DOMAIN STACK, adapted from the teacher's
	// persistent Ollama cache). Empty disables persistence.
	SnapshotCacheFile string
}

func defaults() *Config {
	return &Config{
		CollectorPort:        8081,
		ListenSocket:         "/tmp/metlo.sock",
		LogLevel:             "info",
		ManagementAddr:       "127.0.0.1:8088",
		ConfigRefreshSeconds: 60,
		SnapshotCacheFile:    "metlo-snapshot.db",
	}
}

// Load resolves configuration from defaults, the credential-file chain, the
// environment, and command-line flags (in that precedence order), then
// validates it. args is normally os.Args[1:].
func Load(args []string) (*Config, error) {
	cfg := defaults()

	for _, path := range credentialFiles() {
		loadCredentialFile(cfg, path)
	}
	loadEnv(cfg)
	if err := loadFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadCredentialFile merges KEY=VALUE lines (shell-style, '#' comments,
// blank lines skipped) from an optional file. A missing file is not an
// error — each of the three lookup locations in spec §6 is optional.
func loadCredentialFile(cfg *Config, path string) {
	f, err := os.Open(path) //nolint:gosec // G304: fixed, documented lookup locations, not user input
	if err != nil {
		return
	}
	defer f.Close() //nolint:errcheck // read-only, nothing to flush

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		applyKV(cfg, key, value)
	}
}

func applyKV(cfg *Config, key, value string) {
	switch key {
	case "METLO_HOST":
		cfg.Host = value
	case "METLO_KEY":
		cfg.APIKey = value
	case "COLLECTOR_PORT":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.CollectorPort = n
		}
	case "BACKEND_PORT":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.BackendPort = n
		}
	case "LISTEN_SOCKET":
		cfg.ListenSocket = value
	case "LOG_LEVEL":
		cfg.LogLevel = value
	case "METLO_MANAGEMENT_ADDR":
		cfg.ManagementAddr = value
	case "METLO_MANAGEMENT_TOKEN":
		cfg.ManagementToken = value
	case "METLO_CONFIG_REFRESH_SECONDS":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.ConfigRefreshSeconds = n
		}
	case "METLO_SNAPSHOT_CACHE_FILE":
		cfg.SnapshotCacheFile = value
	}
}

func loadEnv(cfg *Config) {
	for _, key := range []string{
		"METLO_HOST", "METLO_KEY", "COLLECTOR_PORT", "BACKEND_PORT",
		"LISTEN_SOCKET", "LOG_LEVEL", "METLO_MANAGEMENT_ADDR",
		"METLO_MANAGEMENT_TOKEN", "METLO_CONFIG_REFRESH_SECONDS",
		"METLO_SNAPSHOT_CACHE_FILE",
	} {
		if v, ok := os.LookupEnv(key); ok {
			applyKV(cfg, key, v)
		}
	}
}

// loadFlags parses the short flags named in spec §6 on top of whatever
// defaults/file/env already produced; an unset flag leaves its field alone.
func loadFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("metlo-agent", flag.ContinueOnError)

	host := fs.String("m", "", "base URL of the control plane (METLO_HOST)")
	apiKey := fs.String("a", "", "collector API key (METLO_KEY)")
	collectorPort := fs.Int("c", 0, "collector port (COLLECTOR_PORT, default 8081)")
	backendPort := fs.Int("b", 0, "backend port (BACKEND_PORT)")
	listenSocket := fs.String("s", "", "ingress unix socket path (LISTEN_SOCKET)")
	logLevel := fs.String("l", "", "log level: trace|debug|info|warn|error (LOG_LEVEL)")

	if err := fs.Parse(args); err != nil {
		return errors.Join(ErrConfigInvalid, err)
	}

	if *host != "" {
		cfg.Host = *host
	}
	if *apiKey != "" {
		cfg.APIKey = *apiKey
	}
	if *collectorPort != 0 {
		cfg.CollectorPort = *collectorPort
	}
	if *backendPort != 0 {
		cfg.BackendPort = *backendPort
	}
	if *listenSocket != "" {
		cfg.ListenSocket = *listenSocket
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	return nil
}

// validate enforces spec §6's required fields and the recognized log-level
// set. An invalid LOG_LEVEL "causes immediate exit with a printed error and
// zero return" per spec — Load returns the error, main() is responsible for
// the exit(0).
func validate(cfg *Config) error {
	if cfg.Host == "" {
		return errors.Join(ErrConfigInvalid, errors.New("METLO_HOST (-m) is required"))
	}
	if u, err := url.Parse(cfg.Host); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Join(ErrConfigInvalid, errors.New("METLO_HOST (-m) must be an absolute URL, got "+cfg.Host))
	}
	if cfg.APIKey == "" {
		return errors.Join(ErrConfigInvalid, errors.New("METLO_KEY (-a) is required"))
	}
	if !recognizedLogLevels[strings.ToLower(cfg.LogLevel)] {
		return errors.Join(ErrConfigInvalid, errors.New("LOG_LEVEL must be one of trace debug info warn error, got "+cfg.LogLevel))
	}
	return nil
}

// CollectorURL returns the base URL the Forwarder and Control-Plane Client
// POST/GET against.
func (c *Config) CollectorURL() string {
	return c.Host + ":" + strconv.Itoa(c.CollectorPort)
}

// BackendURL returns the base URL the config refresher pulls from, or "" if
// no backend port is configured (BackendPort is optional per spec §6).
func (c *Config) BackendURL() string {
	if c.BackendPort == 0 {
		return ""
	}
	return c.Host + ":" + strconv.Itoa(c.BackendPort)
}
