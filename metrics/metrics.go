// Package metrics exposes Prometheus collectors for the command dispatch
// layer. Every method is safe to call on a nil *Collector so the core can run
// without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "halcmd"

// Drop reasons reported by MessageDropped.
const (
	DropNoMatch   = "no_match"
	DropOrphan    = "orphan"
	DropMalformed = "malformed"
)

// Discard reasons reported by AccumulatorDiscard.
const (
	DiscardParse    = "parse"
	DiscardTimeout  = "timeout"
	DiscardLimit    = "limit"
	DiscardCanceled = "cancelled"
)

// Collector holds every dispatch-layer metric.
type Collector struct {
	MessagesReceived     *prometheus.CounterVec
	MessagesDropped      *prometheus.CounterVec
	DecodeErrors         prometheus.Counter
	HandlerErrors        *prometheus.CounterVec
	CommandsInFlight     prometheus.Gauge
	PendingExchanges     prometheus.Gauge
	ExchangeDuration     *prometheus.HistogramVec
	FragmentsReceived    prometheus.Counter
	AccumulatorDiscarded *prometheus.CounterVec
}

// New creates a Collector. The const label "context" distinguishes several
// dispatch contexts registered on the same registry; pass "" to omit it.
func New(context string) *Collector {
	var labels prometheus.Labels
	if context != "" {
		labels = prometheus.Labels{"context": context}
	}

	return &Collector{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "dispatcher",
				Name:        "messages_received_total",
				Help:        "Inbound messages decoded by the dispatcher, by class",
				ConstLabels: labels,
			},
			[]string{"class"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "dispatcher",
				Name:        "messages_dropped_total",
				Help:        "Inbound messages dropped without delivery, by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		DecodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "dispatcher",
				Name:        "decode_errors_total",
				Help:        "Inbound messages that failed to decode",
				ConstLabels: labels,
			},
		),
		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "dispatcher",
				Name:        "handler_errors_total",
				Help:        "Handler invocations that returned an error or panicked, by key",
				ConstLabels: labels,
			},
			[]string{"key"},
		),
		CommandsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "registry",
				Name:        "commands_in_flight",
				Help:        "Commands currently registered by request id",
				ConstLabels: labels,
			},
		),
		PendingExchanges: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "dispatcher",
				Name:        "pending_exchanges",
				Help:        "Blocking request/response exchanges awaiting their reply",
				ConstLabels: labels,
			},
		),
		ExchangeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "command",
				Name:        "exchange_duration_seconds",
				Help:        "Duration of blocking exchanges, by operation and outcome",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"op", "outcome"},
		),
		FragmentsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "accumulator",
				Name:        "fragments_total",
				Help:        "Result fragments fed into accumulators",
				ConstLabels: labels,
			},
		),
		AccumulatorDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "accumulator",
				Name:        "discarded_total",
				Help:        "Accumulators discarded before completion, by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
	}
}

// Register registers all collectors with reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if c == nil {
		return nil
	}
	for _, col := range c.collectors() {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.MessagesReceived,
		c.MessagesDropped,
		c.DecodeErrors,
		c.HandlerErrors,
		c.CommandsInFlight,
		c.PendingExchanges,
		c.ExchangeDuration,
		c.FragmentsReceived,
		c.AccumulatorDiscarded,
	}
}

func (c *Collector) MessageReceived(class string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(class).Inc()
}

func (c *Collector) MessageDropped(reason string) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) DecodeFailed() {
	if c == nil {
		return
	}
	c.DecodeErrors.Inc()
}

func (c *Collector) HandlerFailed(key string) {
	if c == nil {
		return
	}
	c.HandlerErrors.WithLabelValues(key).Inc()
}

func (c *Collector) SetCommandsInFlight(n int) {
	if c == nil {
		return
	}
	c.CommandsInFlight.Set(float64(n))
}

func (c *Collector) SetPendingExchanges(n int) {
	if c == nil {
		return
	}
	c.PendingExchanges.Set(float64(n))
}

// ObserveExchange records the duration of a blocking exchange in seconds.
func (c *Collector) ObserveExchange(op, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.ExchangeDuration.WithLabelValues(op, outcome).Observe(seconds)
}

func (c *Collector) FragmentReceived() {
	if c == nil {
		return
	}
	c.FragmentsReceived.Inc()
}

func (c *Collector) AccumulatorDiscard(reason string) {
	if c == nil {
		return
	}
	c.AccumulatorDiscarded.WithLabelValues(reason).Inc()
}
