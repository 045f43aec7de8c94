package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "runsync"

// Candidate outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeMalformed = "malformed"
)

// Metrics holds the collectors of the scrape service.
type Metrics struct {
	cycles        *prometheus.CounterVec
	candidates    *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	watermark     prometheus.Gauge
	published     prometheus.Counter
	uploadFailed  prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Number of scrape cycles by result.",
		}, []string{"result"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Number of candidate runs examined by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a scrape cycle.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "created_at of the newest processed run.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_published_total",
			Help:      "Number of file uploads that succeeded.",
		}),
		uploadFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_failures_total",
			Help:      "Number of file uploads that failed and were left pending.",
		}),
	}

	reg.MustRegister(
		m.cycles,
		m.candidates,
		m.cycleDuration,
		m.watermark,
		m.published,
		m.uploadFailed,
	)

	return m
}

// CycleFinished records one cycle.
func (m *Metrics) CycleFinished(err error, d time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}

	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// Candidate counts one candidate with the given outcome.
func (m *Metrics) Candidate(outcome string) {
	m.candidates.WithLabelValues(outcome).Inc()
}

// SetWatermark exports the current mark.
func (m *Metrics) SetWatermark(t time.Time) {
	m.watermark.Set(float64(t.UnixNano()) / 1e9)
}

// FilePublished implements publish.Observer.
func (m *Metrics) FilePublished(string) {
	m.published.Inc()
}

// UploadFailed implements publish.Observer.
func (m *Metrics) UploadFailed(string) {
	m.uploadFailed.Inc()
}
