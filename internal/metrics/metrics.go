package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/g960059/famsync/internal/model"
)

const namespace = "famsync"

// Metrics holds the sync engine collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	PassesTotal         *prometheus.CounterVec
	PassDuration        *prometheus.HistogramVec
	QueueItems          *prometheus.GaugeVec
	QueueDrained        *prometheus.CounterVec
	CommandsApplied     *prometheus.CounterVec
	UsageUploaded       *prometheus.CounterVec
	UsageRecorded       prometheus.Counter
	ObservationsDropped *prometheus.CounterVec
	WakeSignals         *prometheus.CounterVec
	RemoteHealth        *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PassesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes by role and result.",
		}, []string{"role", "result"}),
		PassDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Sync pass duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"role"}),
		QueueItems: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Offline queue items by status.",
		}, []string{"status"}),
		QueueDrained: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_deliveries_total",
			Help:      "Offline queue delivery attempts by kind and result.",
		}, []string{"kind", "result"}),
		CommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_applied_total",
			Help:      "Commands processed by result.",
		}, []string{"result"}),
		UsageUploaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_uploaded_total",
			Help:      "Usage record uploads by result.",
		}, []string{"result"}),
		UsageRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_observations_total",
			Help:      "Usage observations folded into records.",
		}),
		ObservationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_observations_dropped_total",
			Help:      "Usage observations dropped by reason.",
		}, []string{"reason"}),
		WakeSignals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_signals_total",
			Help:      "Wake signals by direction.",
		}, []string{"direction"}),
		RemoteHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_health",
			Help:      "1 for the current remote store health state, 0 otherwise.",
		}, []string{"state"}),
	}
}

func (m *Metrics) ObservePass(role model.Role, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PassesTotal.WithLabelValues(string(role), result).Inc()
	m.PassDuration.WithLabelValues(string(role)).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(counts map[model.QueueStatus]int) {
	if m == nil {
		return
	}
	for _, status := range []model.QueueStatus{model.QueueQueued, model.QueueInFlight, model.QueueFailed} {
		m.QueueItems.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (m *Metrics) QueueDelivery(kind model.OperationKind, result string) {
	if m == nil {
		return
	}
	m.QueueDrained.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) CommandApplied(result string) {
	if m == nil {
		return
	}
	m.CommandsApplied.WithLabelValues(result).Inc()
}

func (m *Metrics) UsageUpload(result string) {
	if m == nil {
		return
	}
	m.UsageUploaded.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservationRecorded() {
	if m == nil {
		return
	}
	m.UsageRecorded.Inc()
}

func (m *Metrics) ObservationDropped(reason string) {
	if m == nil {
		return
	}
	m.ObservationsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Wake(direction string) {
	if m == nil {
		return
	}
	m.WakeSignals.WithLabelValues(direction).Inc()
}

func (m *Metrics) SetRemoteHealth(h model.RemoteHealth) {
	if m == nil {
		return
	}
	for _, state := range []model.RemoteHealth{model.RemoteHealthOK, model.RemoteHealthDegraded, model.RemoteHealthDown} {
		v := 0.0
		if state == h {
			v = 1
		}
		m.RemoteHealth.WithLabelValues(string(state)).Set(v)
	}
}
