package editsession

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts autosave and notification outcomes so failed saves are
// diagnosable. A nil *Metrics records nothing.
type Metrics struct {
	saves         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	open          prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arpentage",
			Name:      "autosave_total",
			Help:      "Case-file autosave attempts by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arpentage",
			Name:      "notifications_total",
			Help:      "Assignment notifications by result.",
		}, []string{"result"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arpentage",
			Name:      "edit_sessions_open",
			Help:      "Case-file edit sessions currently open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.saves, m.notifications, m.open)
	}
	return m
}

func (m *Metrics) saveResult(ok bool) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) notificationResult(delivered int, failed bool) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.notifications.WithLabelValues("ok").Add(float64(delivered))
	}
	if failed {
		m.notifications.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.open.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.open.Dec()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
