// Package metrics holds the chat-service Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry     *prometheus.Registry
	bookings     *prometheus.CounterVec
	calendarSync *prometheus.CounterVec
	syncJobs     *prometheus.CounterVec
	breakerState prometheus.Gauge

	outboxPublished prometheus.Counter
	outboxPending   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rushchat_bookings_total",
			Help: "Booking requests by result kind.",
		}, []string{"result"}),
		calendarSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rushchat_calendar_sync_total",
			Help: "Inline calendar mirror attempts by operation and result.",
		}, []string{"op", "result"}),
		syncJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rushchat_sync_jobs_total",
			Help: "Calendar sync job executions by operation and result.",
		}, []string{"op", "result"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rushchat_calendar_breaker_state",
			Help: "Calendar circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		outboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rushchat_outbox_published_total",
			Help: "Slot lifecycle events published to Kafka.",
		}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rushchat_outbox_pending",
			Help: "Outbox events not yet published.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.bookings,
		m.calendarSync,
		m.syncJobs,
		m.breakerState,
		m.outboxPublished,
		m.outboxPending,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Booking(result string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(result).Inc()
}

func (m *Metrics) CalendarSync(op, result string) {
	if m == nil {
		return
	}
	m.calendarSync.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SyncJob(op, result string) {
	if m == nil {
		return
	}
	m.syncJobs.WithLabelValues(op, result).Inc()
}

func (m *Metrics) BreakerState(state float64) {
	if m == nil {
		return
	}
	m.breakerState.Set(state)
}

func (m *Metrics) OutboxPublished(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outboxPublished.Add(float64(n))
}

func (m *Metrics) OutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}
