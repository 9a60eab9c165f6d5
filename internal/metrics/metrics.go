package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roombot/internal/eventbus"
)

const namespace = "roombot"

// Metrics holds the bot's Prometheus collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	triggerOutcomes      *prometheus.CounterVec
	actionsSent          *prometheus.CounterVec
	redactionTransitions *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		triggerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_outcomes_total",
			Help:      "Text events handled by the trigger counter, by outcome.",
		}, []string{"outcome"}),
		actionsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_sent_total",
			Help:      "Outgoing messages, by kind and result.",
		}, []string{"kind", "result"}),
		redactionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redaction_transitions_total",
			Help:      "Redaction watch state transitions, by state entered.",
		}, []string{"state"}),
	}
	m.reg.MustRegister(
		m.triggerOutcomes,
		m.actionsSent,
		m.redactionTransitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveWatches exposes the number of in-flight redaction watches.
func (m *Metrics) ObserveWatches(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "redaction_watches_active",
		Help:      "Redaction watches not yet finished.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveRooms exposes the number of rooms with a dispatch worker.
func (m *Metrics) ObserveRooms(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Rooms with a running dispatch worker.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveBusDrops exposes how many bus events slow subscribers missed.
func (m *Metrics) ObserveBusDrops(fn func() uint64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_dropped_total",
		Help:      "Bus events dropped because a subscriber buffer was full.",
	}, func() float64 { return float64(fn()) }))
}

// Record updates counters from one bus event. Unknown types are ignored.
func (m *Metrics) Record(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.TriggerOutcome:
		m.triggerOutcomes.WithLabelValues(d.Outcome).Inc()
	case eventbus.SendResult:
		result := "ok"
		if !d.OK {
			result = "error"
		}
		m.actionsSent.WithLabelValues(d.Kind, result).Inc()
	case eventbus.RedactionState:
		m.redactionTransitions.WithLabelValues(d.State).Inc()
	}
}

// Consume records events from bus until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Record(e)
		}
	}
}
