package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tsctl"

type Metrics struct {
	planItems      *prometheus.CounterVec
	remoteRequests *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	refreshes      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		planItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "plan_items_total",
			Help:      "Plan items executed by push, by outcome.",
		}, []string{"kind", "action", "outcome"}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "remote_requests_total",
			Help:      "Requests sent to the rule-management API.",
		}, []string{"operation", "outcome"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "remote_request_duration_seconds",
			Help:      "Latency of requests to the rule-management API.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_total",
			Help:      "Per-organization refresh results.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.planItems, m.remoteRequests, m.remoteDuration, m.refreshes)
	}
	return m
}

func (m *Metrics) ObserveRemote(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.remoteRequests.WithLabelValues(op, outcomeLabel(err)).Inc()
	m.remoteDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) observeItem(item PlanItem, err error) {
	if m == nil {
		return
	}
	m.planItems.WithLabelValues(string(item.Kind), string(item.Action), outcomeLabel(err)).Inc()
}

func (m *Metrics) observeRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
