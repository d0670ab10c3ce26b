// Package metrics exposes pnwsync's operational counters and gauges: wire
// reconnects by close-code class, gap detections, reconciler runs and rows
// touched, and entity-store write/drop counts. It serves them over an
// internal-only /metrics endpoint intended for loopback scraping.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric pnwsync reports.
type Registry struct {
	WireReconnects     *prometheus.CounterVec
	GapsDetected       *prometheus.CounterVec
	GapsHealed         *prometheus.CounterVec
	ReconcileRuns      *prometheus.CounterVec
	ReconcileDuration  *prometheus.HistogramVec
	ReconcileRows      *prometheus.CounterVec
	StoreWrites        *prometheus.CounterVec
	StoreDrops         *prometheus.CounterVec
	SubscriptionStatus *prometheus.GaugeVec
}

// New registers and returns pnwsync's metric set against the default
// Prometheus registry.
func New() *Registry {
	return &Registry{
		WireReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pnwsync_wire_reconnects_total",
			Help: "WebSocket reconnect attempts by close-code class.",
		}, []string{"class"}),
		GapsDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pnwsync_subscription_gaps_detected_total",
			Help: "METADATA gaps detected per (kind, event) subscription.",
		}, []string{"kind", "event"}),
		GapsHealed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pnwsync_subscription_gaps_healed_total",
			Help: "Gap re-subscriptions completed per (kind, event) subscription.",
		}, []string{"kind", "event"}),
		ReconcileRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pnwsync_reconcile_runs_total",
			Help: "Reconciler runs per entity kind.",
		}, []string{"kind"}),
		ReconcileDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pnwsync_reconcile_duration_seconds",
			Help:    "Reconciler run duration per entity kind.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		ReconcileRows: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pnwsync_reconcile_rows_total",
			Help: "Rows touched by the Reconciler per kind and operation.",
		}, []string{"kind", "op"}),
		StoreWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pnwsync_store_writes_total",
			Help: "Entity Store writes per kind and operation.",
		}, []string{"kind", "op"}),
		StoreDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pnwsync_store_drops_total",
			Help: "Records dropped by the Entity Store per kind and reason.",
		}, []string{"kind", "reason"}),
		SubscriptionStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pnwsync_subscription_subscribed",
			Help: "1 if the (kind, event) subscription channel is currently subscribed, else 0.",
		}, []string{"kind", "event"}),
	}
}

// Server serves the /metrics endpoint on a loopback-by-default address.
type Server struct {
	httpSrv *http.Server
	logger  *slog.Logger
}

// NewServer builds (but does not start) a metrics HTTP server bound to addr.
func NewServer(addr string, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Server{
		httpSrv: &http.Server{Addr: addr, Handler: mux},
		logger:  logger,
	}
}

// Start runs the metrics server until ctx is cancelled, then shuts it down
// with a 5-second grace period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server listening", slog.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// CloseCodeClass buckets a WebSocket close code into its reconnect-policy
// class, for use as the WireReconnects label value.
func CloseCodeClass(code int) string {
	switch {
	case code >= 4000 && code < 4100:
		return "terminal"
	case code >= 4100 && code < 4200:
		return "backoff"
	case code >= 4200 && code < 4300:
		return "immediate"
	default:
		return "other"
	}
}
