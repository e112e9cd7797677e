// Package metrics собирает метрики сессий, диспетчера и таймеров сессий.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ims"

// Collector экспортирует метрики в Prometheus.
//
// Все методы допускают nil получатель, чтобы компоненты можно было
// создавать без метрик (например, в тестах).
type Collector struct {
	sessionsStarted  *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionsEnded    *prometheus.CounterVec
	sessionErrors    *prometheus.CounterVec
	dispatched       *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	participantOps   *prometheus.CounterVec
	capabilities     *prometheus.CounterVec
	sessionDurations prometheus.Histogram
}

// New регистрирует метрики в reg. Для глобального реестра передайте prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		sessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Total number of sessions started",
		}, []string{"kind"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions currently registered",
		}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Total number of sessions removed, by outcome",
		}, []string{"outcome"}),
		sessionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "errors_total",
			Help:      "Session establishment errors by code",
		}, []string{"code"}),
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "Inbound requests by routing decision",
		}, []string{"route"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timer",
			Name:      "refresh_total",
			Help:      "Session timer refresh outcomes",
		}, []string{"outcome"}),
		participantOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "add_participant_total",
			Help:      "Add-participant operations by result",
		}, []string{"result"}),
		capabilities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "requests_total",
			Help:      "Outgoing OPTIONS capability requests by result",
		}, []string{"result"}),
		sessionDurations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Session lifetime from start to removal",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
		}),
	}
}

func (c *Collector) SessionStarted(kind string) {
	if c == nil {
		return
	}
	c.sessionsStarted.WithLabelValues(kind).Inc()
	c.sessionsActive.Inc()
}

func (c *Collector) SessionEnded(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(outcome).Inc()
	c.sessionsActive.Dec()
	c.sessionDurations.Observe(seconds)
}

func (c *Collector) SessionError(code string) {
	if c == nil {
		return
	}
	c.sessionErrors.WithLabelValues(code).Inc()
}

func (c *Collector) Dispatched(route string) {
	if c == nil {
		return
	}
	c.dispatched.WithLabelValues(route).Inc()
}

func (c *Collector) Refresh(outcome string) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(outcome).Inc()
}

func (c *Collector) AddParticipant(result string) {
	if c == nil {
		return
	}
	c.participantOps.WithLabelValues(result).Inc()
}

func (c *Collector) CapabilityRequest(result string) {
	if c == nil {
		return
	}
	c.capabilities.WithLabelValues(result).Inc()
}
