// Package metrics exposes the session engine's prometheus instrumentation:
// flush latency, lock wait time, and bytes written per store. The
// registration and HTTP exposition pattern (safeRegister + MetricsServer)
// is this codebase's ancestor metrics server, trimmed to the gauges and
// histograms a client-side storage engine actually needs.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// FlushDuration tracks how long a track append-log write takes, labeled
	// by store; only the tracks store records it.
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dreamlake_flush_duration_seconds",
			Help:    "Time spent flushing buffered samples to the append log",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store"},
	)

	// LockWaitDuration tracks how long a call waited to acquire the
	// per-file advisory lock before proceeding.
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dreamlake_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a sidecar file lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store"},
	)

	// BytesWritten counts bytes written to a store's backing file.
	BytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dreamlake_bytes_written_total",
			Help: "Total bytes written to a store's backing file",
		},
		[]string{"store"},
	)

	// SamplesAppended counts samples appended to a track, whether via
	// single Append or AppendBatch.
	SamplesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dreamlake_samples_appended_total",
			Help: "Total samples appended to a track",
		},
		[]string{"track"},
	)

	// RemoteWriteErrors counts failed best-effort remote mirror writes in
	// HYBRID mode, by operation.
	RemoteWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dreamlake_remote_write_errors_total",
			Help: "Total remote write failures in hybrid mode, which never fail the local write",
		},
		[]string{"operation"},
	)

	// OpenSessions tracks the number of currently open sessions in this
	// process.
	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dreamlake_open_sessions",
		Help: "Number of sessions currently open in this process",
	})
)

var registerOnce sync.Once

// safeRegister registers collector, ignoring the panic prometheus raises on
// a duplicate registration (the package-level promauto.New* calls already
// register these collectors against the default registry; this guards
// re-registration across repeated NewMetricsServer calls in tests).
func safeRegister(collector prometheus.Collector) {
	defer func() {
		recover()
	}()
	prometheus.Register(collector)
}

// MetricsServer exposes /metrics and /health over HTTP.
type MetricsServer struct {
	server *http.Server
	logger *logrus.Logger
}

// NewMetricsServer builds a metrics server bound to addr. Collectors are
// (re-)registered idempotently the first time any server is constructed.
func NewMetricsServer(addr string, logger *logrus.Logger) *MetricsServer {
	registerOnce.Do(func() {
		safeRegister(FlushDuration)
		safeRegister(LockWaitDuration)
		safeRegister(BytesWritten)
		safeRegister(SamplesAppended)
		safeRegister(RemoteWriteErrors)
		safeRegister(OpenSessions)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start runs the metrics server in the background.
func (ms *MetricsServer) Start() error {
	if ms.logger != nil {
		ms.logger.WithField("addr", ms.server.Addr).Info("starting metrics server")
	}
	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if ms.logger != nil {
				ms.logger.WithError(err).Error("metrics server error")
			}
		}
	}()
	return nil
}

// Stop shuts down the metrics server.
func (ms *MetricsServer) Stop() error {
	if ms.logger != nil {
		ms.logger.Info("stopping metrics server")
	}
	return ms.server.Close()
}
