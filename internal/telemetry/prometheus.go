package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink exports telemetry events as Prometheus metrics.
type PrometheusSink struct {
	eventCount    *prometheus.CounterVec
	eventDuration *prometheus.HistogramVec
	scores        *prometheus.HistogramVec
}

// NewPrometheusSink registers the optimizer metrics under the given
// namespace on the given registerer (nil uses the default registry).
func NewPrometheusSink(namespace string, reg prometheus.Registerer) *PrometheusSink {
	if namespace == "" {
		namespace = "teleprompt"
	}
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &PrometheusSink{
		eventCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of telemetry events by name",
			},
			[]string{"event"},
		),
		eventDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_duration_seconds",
				Help:      "Duration measurements carried by telemetry events",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"event"},
		),
		scores: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scores",
				Help:      "Score measurements carried by telemetry events",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"event"},
		),
	}
}

// Handler returns the event handler to attach to an Emitter.
func (s *PrometheusSink) Handler() Handler {
	return func(event Event) {
		s.eventCount.WithLabelValues(event.Name).Inc()
		if ms, ok := event.Measurements["duration_ms"]; ok {
			s.eventDuration.WithLabelValues(event.Name).Observe(ms / 1000)
		}
		if score, ok := event.Measurements["score"]; ok {
			s.scores.WithLabelValues(event.Name).Observe(score)
		}
	}
}
