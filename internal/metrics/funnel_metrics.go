package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FunnelMetrics содержит метрики прохождения воронки.
type FunnelMetrics struct {
	sessionsStarted prometheus.Counter
	transitions     *prometheus.CounterVec
	charges         *prometheus.CounterVec
	chargeDuration  *prometheus.HistogramVec
	upsellDecisions *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	workflowResults *prometheus.CounterVec

	// Время от старта сессии до конечного шага.
	sessionDuration *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	// 0 closed, 1 open, 2 half-open.
	gatewayCircuit prometheus.Gauge
}

// NewFunnelMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewFunnelMetrics() *FunnelMetrics {
	return NewFunnelMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewFunnelMetricsWithRegisterer регистрирует метрики в заданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewFunnelMetricsWithRegisterer(registerer prometheus.Registerer) *FunnelMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &FunnelMetrics{
		sessionsStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "funnel_sessions_started_total",
			Help: "Total number of funnel sessions started",
		}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "funnel_step_transitions_total",
			Help: "Total number of funnel step transitions",
		}, []string{"from", "to"}),
		charges: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "funnel_charges_total",
			Help: "Total number of gateway charge outcomes by order kind",
		}, []string{"kind", "status"}),
		chargeDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "funnel_charge_duration_seconds",
			Help:    "Duration of payment gateway charge calls in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		upsellDecisions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "funnel_upsell_decisions_total",
			Help: "Total number of upsell accept/decline decisions",
		}, []string{"step", "decision"}),
		reconciliations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "funnel_reconciliations_total",
			Help: "Total number of pending order reconciliations by outcome",
		}, []string{"outcome"}),
		workflowResults: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "funnel_workflow_results_total",
			Help: "Total number of workflow results received",
		}, []string{"workflow", "status"}),
		sessionDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "funnel_session_duration_seconds",
			Help:    "Time from session start to a terminal step",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"step"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "funnel_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "funnel_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		gatewayCircuit: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "funnel_payment_circuit_state",
			Help: "Payment gateway circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordSessionStarted увеличивает счётчик начатых сессий.
func (m *FunnelMetrics) RecordSessionStarted() {
	m.sessionsStarted.Inc()
}

// RecordTransition фиксирует переход между шагами.
func (m *FunnelMetrics) RecordTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordCharge фиксирует исход списания и время вызова шлюза.
func (m *FunnelMetrics) RecordCharge(kind, status string, duration time.Duration) {
	m.charges.WithLabelValues(kind, status).Inc()
	m.chargeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordUpsellDecision фиксирует решение покупателя по допредложению.
func (m *FunnelMetrics) RecordUpsellDecision(step, decision string) {
	m.upsellDecisions.WithLabelValues(step, decision).Inc()
}

// RecordReconciliation фиксирует исход сверки pending-заказа.
func (m *FunnelMetrics) RecordReconciliation(outcome string) {
	m.reconciliations.WithLabelValues(outcome).Inc()
}

// RecordWorkflowResult фиксирует результат внешнего workflow.
func (m *FunnelMetrics) RecordWorkflowResult(workflow string, succeeded bool) {
	status := "failed"
	if succeeded {
		status = "succeeded"
	}
	m.workflowResults.WithLabelValues(workflow, status).Inc()
}

// RecordSessionFinished записывает длительность сессии, дошедшей до конечного шага.
func (m *FunnelMetrics) RecordSessionFinished(step string, duration time.Duration) {
	m.sessionDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *FunnelMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *FunnelMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

// SetGatewayCircuitState публикует состояние circuit breaker платёжного шлюза.
func (m *FunnelMetrics) SetGatewayCircuitState(state int) {
	m.gatewayCircuit.Set(float64(state))
}
