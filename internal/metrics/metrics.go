package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Consumer outcomes.
const (
	OutcomeAcked    = "acked"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
	OutcomeNaked    = "naked"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	ConsumerMessages   *prometheus.CounterVec
	HandlerDuration    *prometheus.HistogramVec
	SyncRuns           *prometheus.CounterVec
	SyncPages          *prometheus.CounterVec
	ReconcileRemoved   *prometheus.CounterVec
	RateLimitRemaining *prometheus.GaugeVec
	RateLimitWaits     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConsumerMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitmirror_consumer_messages_total",
				Help: "Stream messages handled, by outcome",
			},
			[]string{"outcome"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gitmirror_handler_duration_seconds",
				Help:    "Event handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		SyncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitmirror_sync_runs_total",
				Help: "Collection sync runs, by final status",
			},
			[]string{"collection", "status"},
		),
		SyncPages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitmirror_sync_pages_total",
				Help: "Pages fetched by collection syncs",
			},
			[]string{"collection"},
		),
		ReconcileRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitmirror_reconcile_removed_total",
				Help: "Local entities removed by reconciliation",
			},
			[]string{"collection"},
		),
		RateLimitRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gitmirror_ratelimit_remaining",
				Help: "Remaining provider request budget per tenant",
			},
			[]string{"tenant"},
		),
		RateLimitWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitmirror_ratelimit_waits_total",
				Help: "Sync pauses waiting for a rate limit reset",
			},
			[]string{"tenant"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConsumerMessages,
			m.HandlerDuration,
			m.SyncRuns,
			m.SyncPages,
			m.ReconcileRemoved,
			m.RateLimitRemaining,
			m.RateLimitWaits,
		)
	}
	return m
}

func (m *Metrics) ObserveMessage(outcome, eventType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ConsumerMessages.WithLabelValues(outcome).Inc()
	m.HandlerDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSyncRun(collection, status string) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(collection, status).Inc()
}

func (m *Metrics) ObservePage(collection string) {
	if m == nil {
		return
	}
	m.SyncPages.WithLabelValues(collection).Inc()
}

func (m *Metrics) ObserveRemoved(collection string, removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.ReconcileRemoved.WithLabelValues(collection).Add(float64(removed))
}

func (m *Metrics) SetRateLimit(tenant string, remaining int) {
	if m == nil {
		return
	}
	m.RateLimitRemaining.WithLabelValues(tenant).Set(float64(remaining))
}

func (m *Metrics) ObserveRateLimitWait(tenant string) {
	if m == nil {
		return
	}
	m.RateLimitWaits.WithLabelValues(tenant).Inc()
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
