// Package metrics holds the Prometheus collectors for the conversation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeAdvanced = "advanced"
	OutcomeStayed   = "stayed"
	OutcomeHandoff  = "handoff"
	OutcomeClosed   = "closed"
	OutcomeSkipped  = "skipped"
	OutcomeDropped  = "dropped"
)

// Metrics groups the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	turns           *prometheus.CounterVec
	aiLatency       *prometheus.HistogramVec
	handoffs        *prometheus.CounterVec
	followupsSent   prometheus.Counter
	bufferFlushes   prometheus.Counter
	bufferFragments prometheus.Histogram
	droppedTurns    prometheus.Counter
	inbound         *prometheus.CounterVec
	outbound        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses a fresh
// registry so tests can create Metrics repeatedly.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_turns_total",
				Help: "Conversation turns processed, by outcome.",
			},
			[]string{"outcome"},
		),
		aiLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crm_ai_route_duration_seconds",
				Help:    "Latency of AI routing calls.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		handoffs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_handoffs_total",
				Help: "Conversations handed off to a human, by reason.",
			},
			[]string{"reason"},
		),
		followupsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_followups_sent_total",
			Help: "Follow-up messages committed for delivery.",
		}),
		bufferFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_buffer_flushes_total",
			Help: "Buffer windows flushed into turns.",
		}),
		bufferFragments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crm_buffer_fragments",
			Help:    "Fragments coalesced per flushed turn.",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),
		droppedTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_turns_dropped_total",
			Help: "Turns dropped after exhausting persistence retries.",
		}),
		inbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_inbound_messages_total",
				Help: "Inbound messages received, by result.",
			},
			[]string{"result"},
		),
		outbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_outbound_deliveries_total",
				Help: "Outbox delivery attempts, by kind and result.",
			},
			[]string{"kind", "result"},
		),
	}
	reg.MustRegister(m.turns, m.aiLatency, m.handoffs, m.followupsSent,
		m.bufferFlushes, m.bufferFragments, m.droppedTurns, m.inbound, m.outbound)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

// ObserveAI records one routing call. result is "ok" or an AIError kind.
func (m *Metrics) ObserveAI(d time.Duration, result string) {
	if m == nil {
		return
	}
	m.aiLatency.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) Handoff(reason string) {
	if m == nil {
		return
	}
	m.handoffs.WithLabelValues(reason).Inc()
}

func (m *Metrics) FollowupSent() {
	if m == nil {
		return
	}
	m.followupsSent.Inc()
}

// BufferFlush records a flushed window with n fragments.
func (m *Metrics) BufferFlush(n int) {
	if m == nil {
		return
	}
	m.bufferFlushes.Inc()
	m.bufferFragments.Observe(float64(n))
}

func (m *Metrics) TurnDropped() {
	if m == nil {
		return
	}
	m.droppedTurns.Inc()
	m.turns.WithLabelValues(OutcomeDropped).Inc()
}

// Inbound records an inbound message. result is "accepted", "duplicate" or "invalid".
func (m *Metrics) Inbound(result string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(result).Inc()
}

// OutboundDelivery records one outbox delivery attempt.
func (m *Metrics) OutboundDelivery(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.outbound.WithLabelValues(kind, result).Inc()
}
