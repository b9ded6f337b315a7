// Command metlo-agent is the host-local API-traffic inspection agent: it
// accepts decoded HTTP traces over a Unix socket, runs them through the
// detection/schema-diff/encryption pipeline, and forwards the result to a
// remote collector.
//
// Usage:
//
//	metlo-agent -m https://app.example.com -a <api-key>
//
// Configuration is layered defaults -> credential file -> environment ->
// flags; see internal/config for the full option table.
package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"metlo-agent-core/internal/config"
	"metlo-agent-core/internal/controlplane"
	"metlo-agent-core/internal/envelope"
	"metlo-agent-core/internal/forwarder"
	"metlo-agent-core/internal/ingress"
	"metlo-agent-core/internal/logger"
	"metlo-agent-core/internal/management"
	"metlo-agent-core/internal/metrics"
	"metlo-agent-core/internal/pipeline"
	"metlo-agent-core/internal/schemadiff"
	"metlo-agent-core/internal/snapshot"
	"metlo-agent-core/internal/trace"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(0)
	}

	log := logger.New("MAIN", cfg.LogLevel)
	printBanner(cfg)

	met := metrics.New()

	snapStore, err := snapshot.Open(cfg.SnapshotCacheFile, logger.New("SNAPSHOT", cfg.LogLevel))
	if err != nil {
		log.Fatalf("snapshot_open_failed", "%v", err)
	}
	defer snapStore.Close() //nolint:errcheck // best-effort close on shutdown

	var registry atomic.Pointer[schemadiff.Registry]
	registry.Store(schemadiff.NewRegistry())

	cpClient := controlplane.New()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	ok, msg, err := cpClient.Initialize(initCtx, cfg.Host, cfg.APIKey, cfg.CollectorPort, cfg.BackendPort)
	cancelInit()
	if err != nil {
		log.Fatalf("init_transport_error", "%v", err)
	}
	if !ok {
		log.Errorf("init_rejected", "control plane rejected handshake: %s", msg)
		os.Exit(0)
	}
	log.Info("init_ok", "control plane handshake succeeded")

	stopRefresh := make(chan struct{})
	go runRefresher(cfg, cpClient, snapStore, &registry, met, logger.New("REFRESHER", cfg.LogLevel), stopRefresh)

	fwd := forwarder.New(logger.New("FORWARDER", cfg.LogLevel), met)
	pipelineLog := logger.New("PIPELINE", cfg.LogLevel)

	handler := func(tr *trace.ApiTrace) {
		handleTrace(tr, cfg, snapStore, &registry, fwd, met, pipelineLog)
	}

	ingressLog := logger.New("INGRESS", cfg.LogLevel)
	srv := ingress.New(cfg.ListenSocket, handler, ingressLog)

	mgmt := management.New(cfg, snapStore, met, logger.New("MANAGEMENT", cfg.LogLevel))
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Errorf("management_failed", "%v", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutting_down", "signal received, shutting down")
		close(stopRefresh)
		srv.Close() //nolint:errcheck // best-effort close on shutdown
	case err := <-errCh:
		if err != nil {
			log.Fatalf("ingress_failed", "%v", err)
		}
	}
}

// handleTrace runs the pipeline and forwards the result — the per-trace
// goroutine body the Ingress Socket Server spawns for each accepted line
// (spec §5 "one goroutine per accepted trace").
func handleTrace(tr *trace.ApiTrace, cfg *config.Config, snapStore *snapshot.Store, registry *atomic.Pointer[schemadiff.Registry], fwd *forwarder.Forwarder, met *metrics.Metrics, log *logger.Logger) {
	met.TracesTotal.Add(1)
	start := time.Now()

	snap, ok := snapStore.Lease()
	if !ok {
		met.SnapshotLeaseMissed.Add(1)
	}

	result, endpointFullCapture := pipeline.Run(tr, snap, registry.Load())
	met.RecordPipelineLatency(time.Since(start))

	if result.Block {
		met.TracesBlocked.Add(1)
	}
	met.XSSFindings.Add(int64(len(result.XSSDetected)))
	met.SQLIFindings.Add(int64(len(result.SQLIDetected)))
	met.SensitiveDataFindings.Add(int64(len(result.SensitiveDataDetected)))
	met.ValidationErrors.Add(int64(len(result.ValidationErrors)))

	collectorURL := cfg.CollectorURL()
	apiKey := cfg.APIKey
	globalFullCapture := false
	var rsaPub *rsa.PublicKey
	var hmacKey []byte
	var authDescriptor *trace.AuthenticationConfig

	if ok && snap != nil {
		if snap.CollectorURL != "" {
			collectorURL = snap.CollectorURL
		}
		if snap.APIKey != "" {
			apiKey = snap.APIKey
		}
		globalFullCapture = snap.GlobalFullTraceCapture
		hmacKey = snap.HMACKey
		if snap.RSAPublicKeyPEM != "" {
			pub, err := envelope.ParsePublicKeyPEM(snap.RSAPublicKeyPEM)
			if err != nil {
				log.Warnf("rsa_key_parse_failed", "%v", err)
			} else {
				rsaPub = pub
			}
		}
		if desc, found := snap.FindAuth(tr.Request.Url.Host); found {
			authDescriptor = &desc
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := fwd.Send(ctx, collectorURL, apiKey, rsaPub, hmacKey, authDescriptor, tr, result, globalFullCapture, endpointFullCapture); err != nil {
		met.TracesDropped.Add(1)
		log.Warnf("forward_failed", "%v", err)
		return
	}
	met.TracesForwarded.Add(1)
}

func runRefresher(cfg *config.Config, client *controlplane.Client, store *snapshot.Store, registry *atomic.Pointer[schemadiff.Registry], met *metrics.Metrics, log *logger.Logger, stop <-chan struct{}) {
	interval := time.Duration(cfg.ConfigRefreshSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		snap, err := client.PullConfig(ctx, cfg)
		if err != nil {
			met.ConfigRefreshFailure.Add(1)
			log.Warnf("config_refresh_failed", "%v", err)
			return
		}
		store.Replace(snap)

		newRegistry := schemadiff.NewRegistry()
		for name, data := range snap.OpenAPISpecs {
			if err := newRegistry.Load(name, data); err != nil {
				log.Warnf("openapi_spec_load_failed", "spec %q: %v", name, err)
			}
		}
		registry.Store(newRegistry)

		met.ConfigRefreshSuccess.Add(1)
		log.Infof("config_refresh_ok", "loaded %d endpoint groups, %d openapi specs", len(snap.Endpoints), len(snap.OpenAPISpecs))
	}

	refresh()
	for {
		select {
		case <-ticker.C:
			refresh()
		case <-stop:
			return
		}
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
+--------------------------------------------------------+
|              metlo-agent trace inspector                |
+--------------------------------------------------------+
  Control plane   : %s
  Collector port  : %d
  Backend port    : %d
  Ingress socket  : %s
  Log level       : %s
  Management addr : %s

  Check status:
    curl http://%s/status
`, cfg.Host, cfg.CollectorPort, cfg.BackendPort, cfg.ListenSocket, cfg.LogLevel, cfg.ManagementAddr, cfg.ManagementAddr)
}
