package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/breaker"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
	"github.com/mcp-router/mcp-router/internal/metrics"
)

// Health status values surfaced in list_providers and the health gauge.
const (
	HealthOK        = "ok"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

// HealthStatus is the last observed probe outcome for one upstream.
type HealthStatus struct {
	Status      string    `json:"status"`
	LastOkAt    time.Time `json:"lastOkAt,omitzero"`
	LastErrorAt time.Time `json:"lastErrorAt,omitzero"`
	LastError   string    `json:"lastError,omitempty"`
}

// HealthChecker probes every enabled upstream on a fixed interval by
// listing its tools. Probe outcomes feed the circuit breaker and the
// health snapshot used by list_providers.
type HealthChecker struct {
	ref     *config.Ref
	manager *UpstreamManager
	brk     *breaker.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	statuses map[string]HealthStatus

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthChecker creates a stopped checker. metrics may be nil.
func NewHealthChecker(ref *config.Ref, manager *UpstreamManager, brk *breaker.Breaker, m *metrics.Metrics, logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		ref:      ref,
		manager:  manager,
		brk:      brk,
		metrics:  m,
		logger:   logger,
		statuses: make(map[string]HealthStatus),
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop when health checks are enabled in the
// current snapshot. The interval and timeout are re-read from the live
// snapshot on every cycle so reloads take effect without a restart.
func (h *HealthChecker) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	go h.loop(ctx)
}

// Stop terminates the loop and waits for an in-progress sweep to finish.
func (h *HealthChecker) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
}

// StatusOf returns the last observed status for an upstream; upstreams
// never probed report HealthUnknown.
func (h *HealthChecker) StatusOf(name string) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.statuses[name]; ok {
		return s
	}
	return HealthStatus{Status: HealthUnknown}
}

// Snapshot returns a copy of all observed statuses.
func (h *HealthChecker) Snapshot() map[string]HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]HealthStatus, len(h.statuses))
	for k, v := range h.statuses {
		out[k] = v
	}
	return out
}

func (h *HealthChecker) loop(ctx context.Context) {
	defer close(h.done)
	for {
		interval := h.ref.Get().Routing.HealthChecks.Interval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		cfg := h.ref.Get()
		if !cfg.Routing.HealthChecks.Enabled {
			continue
		}
		h.sweep(ctx, cfg)
	}
}

// sweep probes each eligible upstream once.
func (h *HealthChecker) sweep(ctx context.Context, cfg *config.Config) {
	hc := cfg.Routing.HealthChecks
	for _, name := range cfg.UpstreamNames() {
		if ctx.Err() != nil {
			return
		}
		u := cfg.Upstream(name)
		if !u.IsEnabled() {
			continue
		}
		if u.Transport == config.TransportPipe && !hc.IncludeStdio {
			continue
		}
		h.probe(ctx, cfg, name, hc.Timeout())
	}
}

func (h *HealthChecker) probe(ctx context.Context, cfg *config.Config, name string, timeout time.Duration) {
	// An open breaker already knows the upstream is down; probing through
	// it would fight the callers' half-open probe budget.
	if !h.brk.Allow(name) {
		return
	}

	client, err := h.manager.Get(name, cfg)
	if err != nil {
		h.brk.Record(name, false)
		h.record(name, err)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	_, err = client.ListTools(probeCtx)
	cancel()

	// Protocol errors mean the upstream answered; only transport failures
	// count against it.
	ok := err == nil || routererr.KindOf(err) == routererr.KindProtocol
	h.brk.Record(name, ok)
	if ok {
		h.record(name, nil)
	} else {
		h.record(name, err)
	}
}

func (h *HealthChecker) record(name string, err error) {
	now := time.Now()

	h.mu.Lock()
	s := h.statuses[name]
	if err == nil {
		s.Status = HealthOK
		s.LastOkAt = now
		s.LastError = ""
	} else {
		s.Status = HealthUnhealthy
		s.LastErrorAt = now
		s.LastError = err.Error()
	}
	h.statuses[name] = s
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetUpstreamHealth(name, s.Status)
		h.metrics.HealthCheck(name, err == nil)
	}
	if err != nil {
		h.logger.Warn("health check failed", "upstream", name, "error", err)
	}
}
