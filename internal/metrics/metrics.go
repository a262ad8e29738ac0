// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatbridge"

// Webhook results.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultRejected  = "rejected"
	ResultLimited   = "rate_limited"
	ResultError     = "error"
)

// Metrics bundles every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg prometheus.Gatherer

	webhookRequests *prometheus.CounterVec
	dedupHits       *prometheus.CounterVec
	busDropped      prometheus.Counter
	botReplies      *prometheus.CounterVec
	llmRetries      *prometheus.CounterVec
	llmDuration     *prometheus.HistogramVec
	sendFailures    *prometheus.CounterVec
}

// New registers the collectors with reg. Collectors already registered
// (a second gateway in the same process, tests) are reused.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		reg: reg,
		webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Webhook deliveries by channel and outcome.",
		}, []string{"channel", "result"}),
		dedupHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_hits_total",
			Help:      "Deliveries suppressed as duplicates.",
		}, []string{"channel"}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Inbound messages dropped because the queue was full.",
		}),
		botReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_replies_total",
			Help:      "Bot replies by reply type.",
		}, []string{"type"}),
		llmRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_retries_total",
			Help:      "LLM call retries by error kind.",
		}, []string{"kind"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"operation"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Replies that could not be delivered to the platform.",
		}, []string{"channel"}),
	}

	var err error
	if m.webhookRequests, err = register(reg, m.webhookRequests); err != nil {
		return nil, err
	}
	if m.dedupHits, err = register(reg, m.dedupHits); err != nil {
		return nil, err
	}
	if m.busDropped, err = register(reg, m.busDropped); err != nil {
		return nil, err
	}
	if m.botReplies, err = register(reg, m.botReplies); err != nil {
		return nil, err
	}
	if m.llmRetries, err = register(reg, m.llmRetries); err != nil {
		return nil, err
	}
	if m.llmDuration, err = register(reg, m.llmDuration); err != nil {
		return nil, err
	}
	if m.sendFailures, err = register(reg, m.sendFailures); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, returning the existing collector when an
// identical one is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Webhook(channel, result string) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) DedupHit(channel string) {
	if m == nil {
		return
	}
	m.dedupHits.WithLabelValues(channel).Inc()
}

func (m *Metrics) BusDropped() {
	if m == nil {
		return
	}
	m.busDropped.Inc()
}

func (m *Metrics) Reply(replyType string) {
	if m == nil {
		return
	}
	m.botReplies.WithLabelValues(replyType).Inc()
}

func (m *Metrics) Retry(kind string) {
	if m == nil {
		return
	}
	m.llmRetries.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveLLM(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) SendFailed(channel string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(channel).Inc()
}
