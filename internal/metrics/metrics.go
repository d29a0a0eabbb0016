package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const DefaultNamespace = "coupon"

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	claims          *prometheus.CounterVec
	lockWait        prometheus.Histogram
	queueAcks       *prometheus.CounterVec
	redeliveries    prometheus.Counter
	deadLetters     prometheus.Counter
	eventsPublished *prometheus.CounterVec
	fallback        *prometheus.GaugeVec
}

func New(registry *prometheus.Registry, namespace string) (*Metrics, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by issuance path and outcome.",
		}, []string{"path", "outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire a pool lock.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		queueAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "acks_total",
			Help:      "Claim requests acknowledged by queue workers, by outcome.",
		}, []string{"outcome"}),
		redeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "redeliveries_total",
			Help:      "Pending claim requests reclaimed from idle consumers.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dead_letters_total",
			Help:      "Claim requests moved to the dead-letter stream.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Outbound claim events by result (published, fallback).",
		}, []string{"result"}),
		fallback: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fallback_messages",
			Help:      "Rows in the outbound fallback store by status.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{
		m.claims, m.lockWait, m.queueAcks, m.redeliveries, m.deadLetters, m.eventsPublished, m.fallback,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metric failed: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) ObserveClaim(path, outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) IncQueueAck(outcome string) {
	if m == nil {
		return
	}
	m.queueAcks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRedelivery() {
	if m == nil {
		return
	}
	m.redeliveries.Inc()
}

func (m *Metrics) IncDeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *Metrics) IncEventPublished(result string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(result).Inc()
}

func (m *Metrics) SetFallbackCount(status string, n int64) {
	if m == nil {
		return
	}
	m.fallback.WithLabelValues(status).Set(float64(n))
}
