package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the core's Prometheus instruments. A nil *Metrics is valid
// and turns every observation into a no-op, which keeps tests quiet.
type Metrics struct {
	messagesMerged       prometheus.Counter
	duplicatesSuppressed prometheus.Counter
	liveSubscriptions    prometheus.Gauge
	resubscribeAttempts  prometheus.Counter
	sendFailures         prometheus.Counter
	openConversations    prometheus.Gauge
	presenceEvictions    prometheus.Counter
}

// NewMetrics registers the core instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commune",
			Subsystem: "chat",
			Name:      "messages_merged_total",
			Help:      "Authoritative message rows merged into stores.",
		}),
		duplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commune",
			Subsystem: "chat",
			Name:      "duplicates_suppressed_total",
			Help:      "Change events skipped by the multiplexer's duplicate tracking.",
		}),
		liveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commune",
			Subsystem: "chat",
			Name:      "live_subscriptions",
			Help:      "Backend subscriptions currently in the Live state.",
		}),
		resubscribeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commune",
			Subsystem: "chat",
			Name:      "resubscribe_attempts_total",
			Help:      "Resubscription attempts after transport drops.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commune",
			Subsystem: "chat",
			Name:      "send_failures_total",
			Help:      "Backend writes that left an optimistic record in the failed state.",
		}),
		openConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commune",
			Subsystem: "chat",
			Name:      "open_conversations",
			Help:      "Conversations currently held open by the controller.",
		}),
		presenceEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commune",
			Subsystem: "chat",
			Name:      "presence_evictions_total",
			Help:      "Actors evicted from the presence map by the periodic sweep.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.messagesMerged,
			m.duplicatesSuppressed,
			m.liveSubscriptions,
			m.resubscribeAttempts,
			m.sendFailures,
			m.openConversations,
			m.presenceEvictions,
		)
	}
	return m
}

func (m *Metrics) merged() {
	if m != nil {
		m.messagesMerged.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicatesSuppressed.Inc()
	}
}

func (m *Metrics) subscriptionLive(delta float64) {
	if m != nil {
		m.liveSubscriptions.Add(delta)
	}
}

func (m *Metrics) resubscribe() {
	if m != nil {
		m.resubscribeAttempts.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) conversations(delta float64) {
	if m != nil {
		m.openConversations.Add(delta)
	}
}

func (m *Metrics) sweepEvicted(n int) {
	if m != nil {
		m.presenceEvictions.Add(float64(n))
	}
}
