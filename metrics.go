package offlineworker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records routing, lifecycle and sync outcomes.
// A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	installs      *prometheus.CounterVec
	activations   prometheus.Counter
	deletions     prometheus.Counter
	cleanupErrors prometheus.Counter
	replays       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_worker_requests_total",
		Help: "Intercepted requests by class and outcome",
	}, []string{"class", "outcome"})

	installs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_worker_installs_total",
		Help: "Install attempts by result",
	}, []string{"result"})

	activations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_worker_activations_total",
		Help: "Completed activations",
	})

	deletions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_worker_generations_deleted_total",
		Help: "Stale cache generations deleted during activation",
	})

	cleanupErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_worker_cleanup_errors_total",
		Help: "Errors while listing or deleting cache generations",
	})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_worker_sync_replays_total",
		Help: "Queued submission replays by result",
	}, []string{"result"})

	registry.MustRegister(requests, installs, activations, deletions, cleanupErrors, replays)

	return &Metrics{
		registry:      registry,
		requests:      requests,
		installs:      installs,
		activations:   activations,
		deletions:     deletions,
		cleanupErrors: cleanupErrors,
		replays:       replays,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeRequest(class Class, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(class.String(), outcome).Inc()
}

func (m *Metrics) observeInstall(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.installs.WithLabelValues(result).Inc()
}

func (m *Metrics) observeActivation(deleted, failed int) {
	if m == nil {
		return
	}
	m.activations.Inc()
	m.deletions.Add(float64(deleted))
	m.cleanupErrors.Add(float64(failed))
}

func (m *Metrics) observeReplay(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.replays.WithLabelValues(result).Inc()
}
