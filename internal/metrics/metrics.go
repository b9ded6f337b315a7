// Package metrics provides lightweight, lock-minimal performance counters
// for the trace-inspection agent.
//
// Counters use sync/atomic so hot paths (pipeline processing, forwarding)
// incur no mutex contention. Latency statistics use a single mutex per
// dimension; they are updated at most once per trace.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds all runtime counters for a running agent instance.
// The zero value is valid and ready to use; prefer New() for clarity.
type Metrics struct {
	// Trace counters (C8 Trace Pipeline outcomes)
	TracesTotal     atomic.Int64
	TracesBlocked   atomic.Int64
	TracesForwarded atomic.Int64
	TracesDropped   atomic.Int64 // ForwardFailure or CryptoFailure, spec §7

	// Detection counters (C1 Detector findings, summed across all traces)
	XSSFindings           atomic.Int64
	SQLIFindings          atomic.Int64
	SensitiveDataFindings atomic.Int64
	ValidationErrors      atomic.Int64 // C5 Schema Diff findings

	// Forwarder counters (C10)
	ForwardSuccess atomic.Int64
	ForwardSoft    atomic.Int64 // non-200 response, spec §4.10 "soft failure"
	ForwardError   atomic.Int64 // transport error

	// Envelope Encryptor counters (C7)
	EncryptionApplied atomic.Int64
	EncryptionErrors  atomic.Int64
	TracesRedacted    atomic.Int64

	// Config Snapshot counters (C9)
	ConfigRefreshSuccess atomic.Int64
	ConfigRefreshFailure atomic.Int64
	SnapshotLeaseMissed  atomic.Int64 // reader proceeded with no configuration, spec §4.9

	// Latency statistics (mutex-guarded because they accumulate floats)
	pipelineMu   sync.Mutex
	pipelineStat latencyStats

	forwardMu   sync.Mutex
	forwardStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordPipelineLatency records the duration of one trace's full C1-C8 run.
func (m *Metrics) RecordPipelineLatency(d time.Duration) {
	m.pipelineMu.Lock()
	m.pipelineStat.record(float64(d.Microseconds()) / 1000.0)
	m.pipelineMu.Unlock()
}

// RecordForwardLatency records the round-trip time to the collector.
func (m *Metrics) RecordForwardLatency(d time.Duration) {
	m.forwardMu.Lock()
	m.forwardStat.record(float64(d.Microseconds()) / 1000.0)
	m.forwardMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.pipelineMu.Lock()
	pipeline := m.pipelineStat.snapshot()
	m.pipelineMu.Unlock()

	m.forwardMu.Lock()
	forward := m.forwardStat.snapshot()
	m.forwardMu.Unlock()

	return Snapshot{
		Traces: TraceSnapshot{
			Total:     m.TracesTotal.Load(),
			Blocked:   m.TracesBlocked.Load(),
			Forwarded: m.TracesForwarded.Load(),
			Dropped:   m.TracesDropped.Load(),
		},
		Detections: DetectionSnapshot{
			XSS:              m.XSSFindings.Load(),
			SQLI:             m.SQLIFindings.Load(),
			SensitiveData:    m.SensitiveDataFindings.Load(),
			ValidationErrors: m.ValidationErrors.Load(),
		},
		Forward: ForwardSnapshot{
			Success: m.ForwardSuccess.Load(),
			Soft:    m.ForwardSoft.Load(),
			Error:   m.ForwardError.Load(),
		},
		Encryption: EncryptionSnapshot{
			Applied: m.EncryptionApplied.Load(),
			Errors:  m.EncryptionErrors.Load(),
			Redacted: m.TracesRedacted.Load(),
		},
		Config: ConfigSnapshotCounters{
			RefreshSuccess: m.ConfigRefreshSuccess.Load(),
			RefreshFailure: m.ConfigRefreshFailure.Load(),
			LeaseMissed:    m.SnapshotLeaseMissed.Load(),
		},
		Latency: LatencyGroup{
			PipelineMs: pipeline,
			ForwardMs:  forward,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Traces     TraceSnapshot          `json:"traces"`
	Detections DetectionSnapshot      `json:"detections"`
	Forward    ForwardSnapshot        `json:"forward"`
	Encryption EncryptionSnapshot     `json:"encryption"`
	Config     ConfigSnapshotCounters `json:"config"`
	Latency    LatencyGroup           `json:"latency"`
	UptimeSecs float64                `json:"uptimeSecs"`
}

// TraceSnapshot holds trace-pipeline-level counters.
type TraceSnapshot struct {
	Total     int64 `json:"total"`
	Blocked   int64 `json:"blocked"`
	Forwarded int64 `json:"forwarded"`
	Dropped   int64 `json:"dropped"`
}

// DetectionSnapshot holds detector/schema-diff finding counters.
type DetectionSnapshot struct {
	XSS              int64 `json:"xss"`
	SQLI             int64 `json:"sqli"`
	SensitiveData    int64 `json:"sensitiveData"`
	ValidationErrors int64 `json:"validationErrors"`
}

// ForwardSnapshot holds Forwarder outcome counters.
type ForwardSnapshot struct {
	Success int64 `json:"success"`
	Soft    int64 `json:"soft"`
	Error   int64 `json:"error"`
}

// EncryptionSnapshot holds Envelope Encryptor counters.
type EncryptionSnapshot struct {
	Applied  int64 `json:"applied"`
	Errors   int64 `json:"errors"`
	Redacted int64 `json:"redacted"`
}

// ConfigSnapshotCounters holds Config Snapshot refresher counters.
type ConfigSnapshotCounters struct {
	RefreshSuccess int64 `json:"refreshSuccess"`
	RefreshFailure int64 `json:"refreshFailure"`
	LeaseMissed    int64 `json:"leaseMissed"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	PipelineMs LatencySnapshot `json:"pipelineMs"`
	ForwardMs  LatencySnapshot `json:"forwardMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
