package monitor

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turtacn/Tandem/pkg/consts"
	"github.com/turtacn/Tandem/pkg/logger"
)

// Registry holds every Tandem metric. It is separate from the default
// registry so the textfile export carries only session metrics.
var Registry = prometheus.NewRegistry()

var (
	// LaunchAttempts counts launch attempts per role, strategy and result.
	LaunchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "launch_attempts_total",
		Help:      "Total number of auxiliary launch attempts",
	}, []string{"role", "strategy", "result"})
	// ReadinessWait tracks how long a role took to become ready, in seconds.
	ReadinessWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "readiness_wait_seconds",
		Help:      "Time spent waiting for a process to appear",
		Buckets:   []float64{1, 2, 5, 10, 20, 45, 90, 120, 300},
	}, []string{"role"})
	// StateTransitions counts supervisor state changes.
	StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "state_transitions_total",
		Help:      "Total number of supervisor state transitions",
	}, []string{"from", "to"})
	// ShutdownEscalations counts the shutdown steps a role needed.
	ShutdownEscalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "shutdown_escalations_total",
		Help:      "Total number of shutdown escalation steps taken",
	}, []string{"role", "step"})
)

func init() {
	Registry.MustRegister(LaunchAttempts, ReadinessWait, StateTransitions, ShutdownEscalations)
}

// ObserveReadiness records a readiness wait.
func ObserveReadiness(role string, d time.Duration) {
	ReadinessWait.WithLabelValues(role).Observe(d.Seconds())
}

// InitMetrics starts an HTTP server exposing the registry on addr
// (e.g. ":9090"). An empty addr disables the server.
func InitMetrics(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Log.Info("Metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
	return srv
}

// WriteTextfile dumps the registry in the node exporter textfile format.
// The supervisor is short lived, so this is how its numbers outlive it.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, Registry)
}

// Personal.AI order the ending
