package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	SessionDuration    prometheus.Histogram
	RecognitionStreams *prometheus.CounterVec
	ControlEvents      *prometheus.CounterVec
	AudioBytesTotal    *prometheus.CounterVec
	PipelineRuns       *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxrelay"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open caller sessions",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of caller sessions",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Caller session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		RecognitionStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_streams_total",
			Help:      "Recognition streams by how they ended",
		}, []string{"status"}),
		ControlEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_events_total",
			Help:      "Control events received from callers",
		}, []string{"event"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed",
		}, []string{"direction"}),
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Response pipeline runs by outcome",
		}, []string{"outcome"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Transcript to audio_end latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.RecognitionStreams,
		m.ControlEvents,
		m.AudioBytesTotal,
		m.PipelineRuns,
		m.PipelineDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SessionStart() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

func (m *Metrics) SessionEnd(duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(duration.Seconds())
}

// Stream records a recognition stream outcome: opened, failed, ended or released.
func (m *Metrics) Stream(status string) {
	m.RecognitionStreams.WithLabelValues(status).Inc()
}

func (m *Metrics) Control(event string) {
	m.ControlEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Audio(direction string, n int) {
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) Pipeline(outcome string, duration time.Duration) {
	m.PipelineRuns.WithLabelValues(outcome).Inc()
	m.PipelineDuration.Observe(duration.Seconds())
}
