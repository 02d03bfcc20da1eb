package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks pool-wide counters and gauges for the daemon's metrics
// endpoint (§4.9 of the spec).
type Metrics struct {
	RequestsTotal     atomic.Uint64
	RequestsSucceeded atomic.Uint64
	RequestsFailed    atomic.Uint64

	WorkerRestarts atomic.Uint64
	WorkerFailures atomic.Uint64

	latencyMu    sync.Mutex
	latencies    []time.Duration
	maxLatencies int

	actor *Actor
}

// NewMetrics creates a Metrics tracker that reads slot gauges from actor.
func NewMetrics(actor *Actor) *Metrics {
	return &Metrics{
		actor:        actor,
		maxLatencies: 10000,
		latencies:    make([]time.Duration, 0, 10000),
	}
}

// RecordRequest records the outcome and latency of one proxied request.
func (m *Metrics) RecordRequest(succeeded bool, latency time.Duration) {
	m.RequestsTotal.Add(1)
	if succeeded {
		m.RequestsSucceeded.Add(1)
	} else {
		m.RequestsFailed.Add(1)
	}

	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	if len(m.latencies) >= m.maxLatencies {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latency)
}

// percentile returns a fast, approximate latency percentile from the
// retained sample window.
func (m *Metrics) percentile(p float64) time.Duration {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	if len(m.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	idx := int(float64(len(sorted)-1) * p / 100.0)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Snapshot is a point-in-time view of pool metrics.
type Snapshot struct {
	RequestsTotal     uint64        `json:"requestsTotal"`
	RequestsSucceeded uint64        `json:"requestsSucceeded"`
	RequestsFailed    uint64        `json:"requestsFailed"`
	WorkerRestarts    uint64        `json:"workerRestarts"`
	WorkerFailures    uint64        `json:"workerFailures"`
	SlotsReady        int           `json:"slotsReady"`
	SlotsBusy         int           `json:"slotsBusy"`
	SlotsDead         int           `json:"slotsDead"`
	LatencyP50        time.Duration `json:"latencyP50"`
	LatencyP95        time.Duration `json:"latencyP95"`
	LatencyP99        time.Duration `json:"latencyP99"`
}

// Snapshot gathers the current counters, gauges, and latency percentiles.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		RequestsTotal:     m.RequestsTotal.Load(),
		RequestsSucceeded: m.RequestsSucceeded.Load(),
		RequestsFailed:    m.RequestsFailed.Load(),
		WorkerRestarts:    m.WorkerRestarts.Load(),
		WorkerFailures:    m.WorkerFailures.Load(),
		LatencyP50:        m.percentile(50),
		LatencyP95:        m.percentile(95),
		LatencyP99:        m.percentile(99),
	}

	if m.actor != nil {
		View(m.actor, func(s *State) struct{} {
			for _, slot := range s.Slots {
				switch slot.State {
				case SlotReady:
					snap.SlotsReady++
				case SlotBusy:
					snap.SlotsBusy++
				case SlotDead, SlotKeepClosed:
					snap.SlotsDead++
				}
			}
			return struct{}{}
		})
	}

	return snap
}

// ServeHTTP exposes the current snapshot as JSON, per MetricsConfig.Path.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}

// Serve runs an HTTP server exposing the metrics endpoint until ctx is
// cancelled.
func (m *Metrics) Serve(ctx context.Context, cfg MetricsConfig) error {
	if !cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m)

	srv := &http.Server{Addr: cfg.Endpoint, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
