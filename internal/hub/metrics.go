package hub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-inverter poll statistics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	cycles     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	writes     *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	generation *prometheus.GaugeVec
	state      *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saj",
			Name:      "poll_cycles_total",
			Help:      "Poll cycles by result.",
		}, []string{"inverter", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "saj",
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of poll cycles.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"inverter"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saj",
			Name:      "register_writes_total",
			Help:      "Register writes by result.",
		}, []string{"inverter", "result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saj",
			Name:      "reconnect_attempts_total",
			Help:      "Transport reconnect attempts.",
		}, []string{"inverter"}),
		generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "saj",
			Name:      "snapshot_generation",
			Help:      "Generation of the published snapshot.",
		}, []string{"inverter"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "saj",
			Name:      "connection_state",
			Help:      "Connection phase (0 disconnected, 1 connecting, 2 connected, 3 failing).",
		}, []string{"inverter"}),
	}
	reg.MustRegister(m.cycles, m.duration, m.writes, m.reconnects, m.generation, m.state)
	return m
}

func (m *Metrics) cycle(inverter, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(inverter, result).Inc()
	m.duration.WithLabelValues(inverter).Observe(d.Seconds())
}

func (m *Metrics) write(inverter string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.writes.WithLabelValues(inverter, result).Inc()
}

func (m *Metrics) reconnect(inverter string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(inverter).Inc()
}

func (m *Metrics) published(inverter string, gen uint64) {
	if m == nil {
		return
	}
	m.generation.WithLabelValues(inverter).Set(float64(gen))
}

func (m *Metrics) connection(inverter string, s ConnectionState) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(inverter).Set(float64(s.Phase))
}

// Forget drops all series of an unloaded inverter.
func (m *Metrics) Forget(inverter string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"inverter": inverter}
	m.cycles.DeletePartialMatch(labels)
	m.duration.DeletePartialMatch(labels)
	m.writes.DeletePartialMatch(labels)
	m.reconnects.DeletePartialMatch(labels)
	m.generation.DeletePartialMatch(labels)
	m.state.DeletePartialMatch(labels)
}
