package procmanager

import "github.com/prometheus/client_golang/prometheus"

// metricsSet is the Supervisor's exported health counters. This core's
// one direct departure from its teacher's dependency set: kdlbs-kandev
// ships no metrics library, but a supervisor this central to an
// observatory control system would not ship without exported health
// counters, so client_golang (present in the cuemby-warren example's
// stack) is wired in here.
type metricsSet struct {
	proceduresCreated  prometheus.Counter
	proceduresByState  *prometheus.GaugeVec
	retentionEvictions prometheus.Counter
}

func newMetricsSet(reg prometheus.Registerer) *metricsSet {
	m := &metricsSet{
		proceduresCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procedures_created_total",
			Help: "Total number of Procedures created by the Process Manager.",
		}),
		proceduresByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procedures_by_state",
			Help: "Current number of Procedures in each lifecycle state.",
		}, []string{"state"}),
		retentionEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retention_evictions_total",
			Help: "Total number of terminated Procedures evicted by the retention policy.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.proceduresCreated, m.proceduresByState, m.retentionEvictions)
	}
	return m
}

func (m *metricsSet) observeCreated() {
	m.proceduresCreated.Inc()
}

func (m *metricsSet) observeTransition(from, to State) {
	if from != "" {
		m.proceduresByState.WithLabelValues(string(from)).Dec()
	}
	m.proceduresByState.WithLabelValues(string(to)).Inc()
}

func (m *metricsSet) observeEviction() {
	m.retentionEvictions.Inc()
}
