package hubclient

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "hubclient"

// Metrics groups the collectors exported by the resilience layer. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	connectionState    *prometheus.GaugeVec
	reconnectAttempts  prometheus.Counter
	circuitTransitions *prometheus.CounterVec
	refreshesTotal     *prometheus.CounterVec
	requestsTotal      *prometheus.CounterVec
	eventsTotal        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current connection state, 0 for the others.",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnect attempts.",
		}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "circuit",
			Name:      "transitions_total",
			Help:      "Circuit breaker transitions by target state.",
		}, []string{"to"}),
		refreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "credentials",
			Name:      "refreshes_total",
			Help:      "Credential refresh flights by result.",
		}, []string{"result"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Request/response calls by outcome kind.",
		}, []string{"kind"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Events emitted through the router by name.",
		}, []string{"event"}),
	}
	registry.MustRegister(
		m.connectionState,
		m.reconnectAttempts,
		m.circuitTransitions,
		m.refreshesTotal,
		m.requestsTotal,
		m.eventsTotal,
	)
	return m
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) incReconnect() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) observeCircuit(to CircuitState) {
	if m == nil {
		return
	}
	m.circuitTransitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) observeRefresh(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.refreshesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRequest(kind OutcomeKind) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeEvent(name string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(name).Inc()
}
