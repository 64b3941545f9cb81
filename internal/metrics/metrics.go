package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildhook_events_published_total",
			Help: "Total number of events accepted at ingestion.",
		},
		[]string{"event_type"},
	)

	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildhook_events_dispatched_total",
			Help: "Total number of events processed by the dispatcher.",
		},
		[]string{"event_type"},
	)

	JobsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guildhook_jobs_created_total",
			Help: "Total number of delivery jobs emitted by the dispatcher.",
		},
	)

	DispatchDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildhook_dispatch_dropped_total",
			Help: "Total number of events dropped at the dispatch stage.",
		},
		[]string{"reason"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildhook_deliveries_total",
			Help: "Total number of delivery attempts by resulting status.",
		},
		[]string{"status"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guildhook_delivery_duration_seconds",
			Help:    "Latency of outbound webhook requests.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildhook_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_429, timeout, rate_limited
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guildhook_dead_letters_total",
			Help: "Total number of jobs that exhausted their retry budget.",
		},
	)

	CircuitBreaksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guildhook_circuit_breaks_total",
			Help: "Total number of endpoints disabled by the circuit breaker.",
		},
	)

	SettleFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guildhook_settle_failures_total",
			Help: "Attempts whose outcome could not be persisted and were left pending.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guildhook_queue_depth",
			Help: "Number of pending jobs held by the due-job queue.",
		},
	)

	BusChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guildhook_bus_channel_depth",
			Help: "Messages waiting in NSQ channels, by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	BusChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guildhook_bus_channel_in_flight",
			Help: "In-flight NSQ messages, by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildhook_registry_cache_lookups_total",
			Help: "Active endpoint cache lookups by result.",
		},
		[]string{"result"}, // hit, miss
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsPublishedTotal,
		EventsDispatchedTotal,
		JobsCreatedTotal,
		DispatchDroppedTotal,
		DeliveriesTotal,
		DeliveryDuration,
		RetriesTotal,
		DeadLettersTotal,
		CircuitBreaksTotal,
		SettleFailuresTotal,
		QueueDepth,
		BusChannelDepth,
		BusChannelInFlight,
		CacheLookupsTotal,
	)
}

func RecordEventPublished(eventType string) {
	EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

func RecordDispatch(eventType string, jobs int) {
	EventsDispatchedTotal.WithLabelValues(eventType).Inc()
	JobsCreatedTotal.Add(float64(jobs))
}

func RecordDispatchDropped(reason string) {
	DispatchDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordDelivery counts one settled attempt. Zero latency means no request was sent.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryDuration.WithLabelValues(status).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter() {
	DeadLettersTotal.Inc()
}

func RecordCircuitBreak() {
	CircuitBreaksTotal.Inc()
}

func RecordSettleFailure() {
	SettleFailuresTotal.Inc()
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

func SetBusChannel(topic, channel string, depth, inFlight int64) {
	BusChannelDepth.WithLabelValues(topic, channel).Set(float64(depth))
	BusChannelInFlight.WithLabelValues(topic, channel).Set(float64(inFlight))
}

func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	CacheLookupsTotal.WithLabelValues("miss").Inc()
}
