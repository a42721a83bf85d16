package agent

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pve-agent/internal/model"
)

const metricsNamespace = "pve_agent"

// Metrics holds the coordinator's collectors on a registry of their own, so
// several coordinators can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	pollTotal           *prometheus.CounterVec
	pollDuration        prometheus.Histogram
	snapshotSequence    prometheus.Gauge
	resources           *prometheus.GaugeVec
	consecutiveFailures prometheus.Gauge
	commandsTotal       *prometheus.CounterVec
	commandDuration     *prometheus.HistogramVec
	apiRequestsTotal    *prometheus.CounterVec
	clusterUp           prometheus.Gauge
	streamUp            prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pollTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "poll",
				Name:      "total",
				Help:      "Poll cycles by result",
			},
			[]string{"result"},
		),
		pollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "poll",
				Name:      "duration_seconds",
				Help:      "Duration of a poll cycle in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
		),
		snapshotSequence: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "snapshot",
				Name:      "sequence",
				Help:      "Sequence number of the latest published snapshot",
			},
		),
		resources: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "snapshot",
				Name:      "resources",
				Help:      "Resources in the latest snapshot by kind",
			},
			[]string{"kind"},
		),
		consecutiveFailures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "poll",
				Name:      "consecutive_failures",
				Help:      "Poll cycles failed in a row",
			},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "command",
				Name:      "total",
				Help:      "Lifecycle commands by action and result",
			},
			[]string{"action", "result"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "command",
				Name:      "duration_seconds",
				Help:      "Duration of lifecycle command API calls in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"action"},
		),
		apiRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Proxmox API requests by method and result",
			},
			[]string{"method", "result"},
		),
		clusterUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "cluster_up",
				Help:      "Whether the last health check reached the cluster (1) or not (0)",
			},
		),
		streamUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "stream_up",
				Help:      "Whether the last frame reached the stream backend (1) or not (0)",
			},
		),
	}
	m.registry.MustRegister(
		m.pollTotal,
		m.pollDuration,
		m.snapshotSequence,
		m.resources,
		m.consecutiveFailures,
		m.commandsTotal,
		m.commandDuration,
		m.apiRequestsTotal,
		m.clusterUp,
		m.streamUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) recordPollSuccess(snap *model.Snapshot, took time.Duration) {
	m.pollTotal.WithLabelValues("success").Inc()
	m.pollDuration.Observe(took.Seconds())
	m.snapshotSequence.Set(float64(snap.Sequence))
	m.consecutiveFailures.Set(0)
	counts := snap.CountByKind()
	for _, kind := range []model.ResourceKind{model.KindNode, model.KindQemu, model.KindLXC, model.KindStorage} {
		m.resources.WithLabelValues(string(kind)).Set(float64(counts[kind]))
	}
}

func (m *Metrics) recordPollFailure(failures int64, took time.Duration) {
	m.pollTotal.WithLabelValues("error").Inc()
	m.pollDuration.Observe(took.Seconds())
	m.consecutiveFailures.Set(float64(failures))
}

func (m *Metrics) recordCommand(cmd model.PendingCommand, took time.Duration) {
	m.commandsTotal.WithLabelValues(string(cmd.Action), string(cmd.State)).Inc()
	m.commandDuration.WithLabelValues(string(cmd.Action)).Observe(took.Seconds())
}

// observeRequest is installed as the transport's request observer.
func (m *Metrics) observeRequest(method, _ string, statusCode int, err error) {
	result := "error"
	switch {
	case err == nil:
		result = "ok"
	case statusCode > 0:
		result = strconv.Itoa(statusCode)
	}
	m.apiRequestsTotal.WithLabelValues(method, result).Inc()
}

func (m *Metrics) setClusterUp(ok bool) {
	m.clusterUp.Set(boolGauge(ok))
}

func (m *Metrics) setStreamUp(ok bool) {
	m.streamUp.Set(boolGauge(ok))
}

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
