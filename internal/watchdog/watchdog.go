// SPDX-License-Identifier: MIT

// Package watchdog probes device liveness independently of the render
// loop. A device that happily accepts frame pushes can still be dead
// behind a buffered proxy; only probe results decide liveness, and
// lastSeenTs is written exclusively by successful probes.
package watchdog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pidicon/pidicon/internal/device"
	"github.com/pidicon/pidicon/internal/metrics"
)

// Health states, in order of degradation.
const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"
)

// remediationLadder is the retry schedule after a remediation command,
// capped at its last entry. A successful probe resets it.
var remediationLadder = []time.Duration{
	60 * time.Second,
	120 * time.Second,
	5 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	time.Hour,
	24 * time.Hour,
}

// CheckResult is the outcome of the most recent probe.
type CheckResult struct {
	Ts        int64   `json:"ts"` // ms
	Success   bool    `json:"success"`
	LatencyMs float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// Record is one device's health state.
type Record struct {
	DeviceID             string      `json:"deviceId"`
	Status               string      `json:"status"`
	LastSeenTs           *int64      `json:"lastSeenTs"` // ms; nil until the first successful probe
	LastCheck            CheckResult `json:"lastCheck"`
	ConsecutiveFailures  int         `json:"consecutiveFailures"`
	ConsecutiveSuccesses int         `json:"consecutiveSuccesses"`
	OfflineSince         *int64      `json:"offlineSince,omitempty"`
	RecoveredAt          *int64      `json:"recoveredAt,omitempty"`
}

// Config tunes the probe loop.
type Config struct {
	Interval      time.Duration
	ProbeTimeout  time.Duration
	DegradedAfter int
	OfflineAfter  int
	Cooldown      time.Duration
}

// Watchdog owns the probe loop for all devices. It implements suture's
// Service interface.
type Watchdog struct {
	cfg      Config
	registry *device.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu          sync.Mutex
	records     map[string]*Record
	ladderIdx   map[string]int
	remediating map[string]bool
	nextProbeAt map[string]time.Time

	// now is injectable for tests.
	now func() time.Time
}

// New creates a watchdog over the registry's devices.
func New(cfg Config, registry *device.Registry, m *metrics.Metrics, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watchdog{
		cfg:         cfg,
		registry:    registry,
		metrics:     m,
		logger:      logger.With("component", "watchdog"),
		records:     make(map[string]*Record),
		ladderIdx:   make(map[string]int),
		remediating: make(map[string]bool),
		nextProbeAt: make(map[string]time.Time),
		now:         time.Now,
	}
	for _, id := range registry.IDs() {
		w.records[id] = &Record{DeviceID: id, Status: StatusOnline}
	}
	return w
}

// Serve runs the probe loop until ctx is canceled.
func (w *Watchdog) Serve(ctx context.Context) error {
	w.logger.Info("watchdog started", "interval", w.cfg.Interval, "devices", w.registry.Len())
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return ctx.Err()
		case <-ticker.C:
			w.probeAll(ctx)
		}
	}
}

// probeAll probes every due device. Probes run concurrently; they only
// touch the probe interface and never contend with frame pushes.
func (w *Watchdog) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, dev := range w.registry.List() {
		w.mu.Lock()
		due := w.now().After(w.nextProbeAt[dev.ID()]) || w.nextProbeAt[dev.ID()].IsZero()
		w.mu.Unlock()
		if !due {
			continue
		}

		wg.Add(1)
		go func(dev *device.Device) {
			defer wg.Done()
			w.probeOne(ctx, dev)
		}(dev)
	}
	wg.Wait()
}

func (w *Watchdog) probeOne(ctx context.Context, dev *device.Device) {
	prober, ok := dev.Prober()
	if !ok {
		// Mock-driver and unprobeable devices are reported online with
		// a null lastSeenTs: nothing is actually seeing them, and a
		// timestamp left over from an earlier real-driver probe would
		// lie about it.
		w.mu.Lock()
		rec := w.records[dev.ID()]
		rec.Status = StatusOnline
		rec.ConsecutiveFailures = 0
		rec.LastSeenTs = nil
		rec.LastCheck = CheckResult{Ts: w.now().UnixMilli(), Success: true}
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.DeviceUp.WithLabelValues(dev.ID()).Set(1)
		}
		return
	}

	pctx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	res := prober.Probe(pctx)
	cancel()

	if res.OK {
		w.recordSuccess(dev.ID(), res)
	} else {
		w.recordFailure(dev.ID(), res)
	}
}

func (w *Watchdog) recordSuccess(id string, res device.ProbeResult) {
	now := w.now().UnixMilli()

	w.mu.Lock()
	rec := w.records[id]
	wasOffline := rec.Status == StatusOffline
	ts := now
	rec.LastSeenTs = &ts
	rec.LastCheck = CheckResult{
		Ts:        now,
		Success:   true,
		LatencyMs: float64(res.Latency.Microseconds()) / 1000.0,
	}
	rec.ConsecutiveFailures = 0
	rec.ConsecutiveSuccesses++
	rec.Status = StatusOnline
	rec.OfflineSince = nil
	if wasOffline {
		rec.RecoveredAt = &ts
	}
	// Any success resets the remediation schedule.
	w.ladderIdx[id] = 0
	w.remediating[id] = false
	w.nextProbeAt[id] = time.Time{}
	w.mu.Unlock()

	if wasOffline {
		w.logger.Info("device recovered", "device", id)
	}
	if w.metrics != nil {
		w.metrics.DeviceUp.WithLabelValues(id).Set(1)
		w.metrics.ProbeLatency.WithLabelValues(id).Observe(res.Latency.Seconds())
	}
}

func (w *Watchdog) recordFailure(id string, res device.ProbeResult) {
	now := w.now().UnixMilli()

	w.mu.Lock()
	rec := w.records[id]
	check := CheckResult{
		Ts:        now,
		LatencyMs: float64(res.Latency.Microseconds()) / 1000.0,
	}
	if res.Err != nil {
		check.Error = res.Err.Error()
	}
	rec.LastCheck = check
	rec.ConsecutiveSuccesses = 0
	rec.ConsecutiveFailures++
	prev := rec.Status

	switch {
	case rec.ConsecutiveFailures >= w.cfg.OfflineAfter:
		if rec.Status != StatusOffline {
			ts := now
			rec.OfflineSince = &ts
		}
		rec.Status = StatusOffline
	case rec.ConsecutiveFailures >= w.cfg.DegradedAfter:
		rec.Status = StatusDegraded
	}

	// While remediating, back off along the ladder instead of probing
	// at the normal cadence.
	if w.remediating[id] {
		idx := w.ladderIdx[id]
		if idx >= len(remediationLadder) {
			idx = len(remediationLadder) - 1
		}
		w.nextProbeAt[id] = w.now().Add(remediationLadder[idx])
		if w.ladderIdx[id] < len(remediationLadder)-1 {
			w.ladderIdx[id]++
		}
	}
	status := rec.Status
	failures := rec.ConsecutiveFailures
	w.mu.Unlock()

	if status != prev {
		w.logger.Warn("device health degraded",
			"device", id, "status", status, "consecutiveFailures", failures, "error", res.Err)
	}
	if w.metrics != nil {
		w.metrics.ProbeFailures.WithLabelValues(id).Inc()
		switch status {
		case StatusDegraded:
			w.metrics.DeviceUp.WithLabelValues(id).Set(0.5)
		case StatusOffline:
			w.metrics.DeviceUp.WithLabelValues(id).Set(0)
		}
	}
}

// NotifyRemediation pauses probing for the cooldown, then resumes on
// the backoff ladder. Called when a remediation command (power cycle,
// reset) was issued for the device.
func (w *Watchdog) NotifyRemediation(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.records[id]; !ok {
		return
	}
	w.remediating[id] = true
	w.ladderIdx[id] = 0
	w.nextProbeAt[id] = w.now().Add(w.cfg.Cooldown)
	w.logger.Info("health checks paused for remediation cooldown", "device", id, "cooldown", w.cfg.Cooldown)
}

// ResetCounters clears failure counters and the remediation schedule,
// as requested by a user reset command. lastSeenTs is preserved.
func (w *Watchdog) ResetCounters(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[id]
	if !ok {
		return
	}
	rec.ConsecutiveFailures = 0
	rec.ConsecutiveSuccesses = 0
	rec.Status = StatusOnline
	rec.OfflineSince = nil
	w.ladderIdx[id] = 0
	w.remediating[id] = false
	w.nextProbeAt[id] = time.Time{}
	w.logger.Info("watchdog counters reset", "device", id)
}

// GetDeviceHealth returns one device's health record.
func (w *Watchdog) GetDeviceHealth(id string) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[id]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(rec), true
}

// All returns every device's health record, sorted by ID.
func (w *Watchdog) All() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Record, 0, len(w.records))
	for _, rec := range w.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func cloneRecord(rec *Record) Record {
	cp := *rec
	if rec.LastSeenTs != nil {
		v := *rec.LastSeenTs
		cp.LastSeenTs = &v
	}
	if rec.OfflineSince != nil {
		v := *rec.OfflineSince
		cp.OfflineSince = &v
	}
	if rec.RecoveredAt != nil {
		v := *rec.RecoveredAt
		cp.RecoveredAt = &v
	}
	return cp
}
