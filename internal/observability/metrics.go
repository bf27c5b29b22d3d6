// Package observability — metrics.go
//
// Prometheus metrics for the router daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default; a configured address is used as given and
// is not restricted to loopback.
//
// Metric naming convention: router_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not
// the default global registry) to avoid collisions with other
// instrumented libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the router
// daemon.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Event processing ──────────────────────────────────────────

	// EventsProcessedTotal counts spine events consumed.
	// Labels: event_type
	EventsProcessedTotal *prometheus.CounterVec

	// EventsSkippedTotal is registered for malformed spine lines
	// skipped; no code path increments it, so it stays at zero.
	EventsSkippedTotal prometheus.Counter

	// ─── Emission ───────────────────────────────────────────────────

	// IntentsEmittedTotal counts router.intent records emitted.
	// Labels: direction
	IntentsEmittedTotal *prometheus.CounterVec

	// VetoesEmittedTotal counts router.veto records emitted.
	// Labels: veto_reason
	VetoesEmittedTotal *prometheus.CounterVec

	// EmissionsSuppressedTotal counts outcomes suppressed by
	// per-symbol deduplication.
	EmissionsSuppressedTotal prometheus.Counter

	// ─── Authority ───────────────────────────────────────────────────

	// AuthorityLevel is the current authority level, encoded 0..3
	// (v0.1..v1.0).
	AuthorityLevel prometheus.Gauge

	// DemotionsTotal counts authority demotions.
	// Labels: trigger
	DemotionsTotal *prometheus.CounterVec

	// ─── Envelope kernel ─────────────────────────────────────────────

	// EnvelopeComputeDuration is registered for kernel compute latency;
	// no code path observes into it, so it stays empty.
	// Labels: kernel
	EnvelopeComputeDuration *prometheus.HistogramVec

	// ─── Ledger ───────────────────────────────────────────────────────

	// LedgerWriteLatency is registered for BoltDB write transaction
	// latency; no code path observes into it, so it stays empty.
	LedgerWriteLatency prometheus.Histogram

	// LedgerDemotionEntries is registered for the number of demotion
	// ledger entries; no code path sets it, so it stays at zero.
	LedgerDemotionEntries prometheus.Gauge

	// ─── Daemon ────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all router Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "router",
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Total spine events consumed, by event type.",
		}, []string{"event_type"}),

		EventsSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "router",
			Subsystem: "events",
			Name:      "skipped_total",
			Help:      "Total malformed spine lines skipped.",
		}),

		IntentsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "router",
			Subsystem: "emission",
			Name:      "intents_total",
			Help:      "Total router.intent records emitted, by direction.",
		}, []string{"direction"}),

		VetoesEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "router",
			Subsystem: "emission",
			Name:      "vetoes_total",
			Help:      "Total router.veto records emitted, by veto reason.",
		}, []string{"veto_reason"}),

		EmissionsSuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "router",
			Subsystem: "emission",
			Name:      "suppressed_total",
			Help:      "Total outcomes suppressed by per-symbol deduplication.",
		}),

		AuthorityLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "router",
			Subsystem: "authority",
			Name:      "level",
			Help:      "Current authority level, encoded 0 (v0.1) through 3 (v1.0).",
		}),

		DemotionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "router",
			Subsystem: "authority",
			Name:      "demotions_total",
			Help:      "Total authority demotions, by trigger.",
		}, []string{"trigger"}),

		EnvelopeComputeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "router",
			Subsystem: "envelope",
			Name:      "compute_duration_seconds",
			Help:      "Envelope kernel compute latency in seconds, by kernel.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kernel"}),

		LedgerWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "router",
			Subsystem: "ledger",
			Name:      "write_latency_seconds",
			Help:      "BoltDB demotion ledger write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		LedgerDemotionEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "router",
			Subsystem: "ledger",
			Name:      "demotion_entries",
			Help:      "Current number of demotion ledger entries in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "router",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.EventsProcessedTotal,
		m.EventsSkippedTotal,
		m.IntentsEmittedTotal,
		m.VetoesEmittedTotal,
		m.EmissionsSuppressedTotal,
		m.AuthorityLevel,
		m.DemotionsTotal,
		m.EnvelopeComputeDuration,
		m.LedgerWriteLatency,
		m.LedgerDemotionEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr.
// Blocks until ctx is canceled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
