package observability

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExportsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exports_submitted_total",
		Help: "The total number of submitted export jobs",
	}, []string{"entity", "format", "mode"})

	ExportsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exports_processed_total",
		Help: "The total number of export jobs that reached a terminal state",
	}, []string{"entity", "status"}) // status: completed, failed

	ExportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "export_duration_seconds",
		Help:    "Duration of export query and render.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"entity"})

	ExportRows = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "export_rows",
		Help:    "Number of rows written per completed export.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_deliveries_total",
		Help: "Download attempts by delivery path and outcome",
	}, []string{"path", "outcome"}) // path: session, token

	JobsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "export_jobs_reaped_total",
		Help: "Stale export jobs failed by the sweeper",
	})
)

// NewLogger creates a new structured logger at the given level (debug, info, warn, error).
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
