// Package metrics holds the Prometheus counters of the booking service.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	slotRequests          *prometheus.CounterVec
	bookings              *prometheus.CounterVec
	decrements            *prometheus.CounterVec
	calendarWriteFailures prometheus.Counter
	busyQueryDuration     prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		slotRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionbook",
			Subsystem: "availability",
			Name:      "slot_requests_total",
			Help:      "Slot listing requests by result",
		}, []string{"result"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionbook",
			Subsystem: "booking",
			Name:      "sessions_booked_total",
			Help:      "Appointments booked by source",
		}, []string{"source"}),
		decrements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionbook",
			Subsystem: "ledger",
			Name:      "decrements_total",
			Help:      "Package decrement attempts by outcome",
		}, []string{"outcome"}),
		calendarWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionbook",
			Subsystem: "calendar",
			Name:      "write_failures_total",
			Help:      "Calendar events that could not be created",
		}),
		busyQueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sessionbook",
			Subsystem: "calendar",
			Name:      "busy_query_seconds",
			Help:      "Latency of calendar busy lookups including retries",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.slotRequests, m.bookings, m.decrements, m.calendarWriteFailures, m.busyQueryDuration)
	return m
}

func (m *Metrics) ObserveSlotRequest(result string) {
	if m == nil {
		return
	}
	m.slotRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveBooking(source string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(source).Inc()
}

// ObserveDecrement outcome is one of ok, stale, exhausted.
func (m *Metrics) ObserveDecrement(outcome string) {
	if m == nil {
		return
	}
	m.decrements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCalendarWriteFailure() {
	if m == nil {
		return
	}
	m.calendarWriteFailures.Inc()
}

func (m *Metrics) ObserveBusyQuery(seconds float64) {
	if m == nil {
		return
	}
	m.busyQueryDuration.Observe(seconds)
}
