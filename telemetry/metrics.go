package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// IngestBuckets for bulk uploads (parse + batched inserts)
	IngestBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// SendBuckets for a single transport write
	SendBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
)

// Change Feed Metrics
var (
	// FeedEventsTotal counts events emitted by the watcher by kind (record, gap, terminal)
	FeedEventsTotal CounterVec = noopCounterVec{}

	// FeedReconnectsTotal counts change stream reopen attempts by reason (transient, cursor_expired)
	FeedReconnectsTotal CounterVec = noopCounterVec{}

	// FeedFilteredTotal counts log entries skipped by the filter
	FeedFilteredTotal Counter = NoopStat{}

	// FeedLastEventTimestamp is the unix time of the last record event
	FeedLastEventTimestamp Gauge = NoopStat{}
)

// Fan-out Metrics
var (
	// SubscribersActive tracks currently registered subscribers, updated by the registry on every change
	SubscribersActive Gauge = NoopStat{}

	// SubscriberRegistrationsTotal counts accepted registrations
	SubscriberRegistrationsTotal Counter = NoopStat{}

	// SubscriberOverflowTotal counts overflow resolutions by policy (drop_oldest, disconnect)
	SubscriberOverflowTotal CounterVec = noopCounterVec{}

	// DedupeSuppressedTotal counts redelivered records suppressed by the dedupe window
	DedupeSuppressedTotal Counter = NoopStat{}

	// QueuedEvents tracks events buffered across all subscriber queues
	QueuedEvents Gauge = NoopStat{}

	// QueueDepthMax tracks the deepest subscriber queue
	QueueDepthMax Gauge = NoopStat{}
)

// Transport Metrics
var (
	// EventsDeliveredTotal counts events written to clients by transport (websocket, relay)
	EventsDeliveredTotal CounterVec = noopCounterVec{}

	// SessionClosesTotal counts session terminations by reason
	SessionClosesTotal CounterVec = noopCounterVec{}

	// SendDurationSeconds measures a single transport write
	SendDurationSeconds Histogram = NoopStat{}

	// RelayRestartsTotal counts relay session restarts by relay name
	RelayRestartsTotal CounterVec = noopCounterVec{}
)

// Ingest Metrics
var (
	// IngestRowsTotal counts rows inserted from uploads
	IngestRowsTotal Counter = NoopStat{}

	// IngestRequestsTotal counts uploads by result (success, failed)
	IngestRequestsTotal CounterVec = noopCounterVec{}

	// IngestDurationSeconds measures upload handling latency
	IngestDurationSeconds Histogram = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Change Feed Metrics
	FeedEventsTotal = NewCounterVec(
		"feed_events_total",
		"Total events emitted by the change feed watcher by kind",
		[]string{"kind"},
	)
	FeedReconnectsTotal = NewCounterVec(
		"feed_reconnects_total",
		"Total change stream reopen attempts by reason",
		[]string{"reason"},
	)
	FeedFilteredTotal = NewCounter(
		"feed_filtered_total",
		"Total change log entries skipped by the filter",
	)
	FeedLastEventTimestamp = NewGauge(
		"feed_last_event_timestamp_seconds",
		"Unix time of the last record event",
	)

	// Fan-out Metrics
	SubscribersActive = NewGauge(
		"subscribers_active",
		"Number of registered subscribers",
	)
	SubscriberRegistrationsTotal = NewCounter(
		"subscriber_registrations_total",
		"Total accepted subscriber registrations",
	)
	SubscriberOverflowTotal = NewCounterVec(
		"subscriber_overflow_total",
		"Total queue overflows by policy",
		[]string{"policy"},
	)
	DedupeSuppressedTotal = NewCounter(
		"dedupe_suppressed_total",
		"Total redelivered records suppressed by the dedupe window",
	)
	QueuedEvents = NewGauge(
		"queued_events",
		"Events buffered across all subscriber queues",
	)
	QueueDepthMax = NewGauge(
		"queue_depth_max",
		"Depth of the deepest subscriber queue",
	)

	// Transport Metrics
	EventsDeliveredTotal = NewCounterVec(
		"events_delivered_total",
		"Total events written to clients by transport",
		[]string{"transport"},
	)
	SessionClosesTotal = NewCounterVec(
		"session_closes_total",
		"Total session terminations by reason",
		[]string{"reason"},
	)
	SendDurationSeconds = NewHistogramWithBuckets(
		"send_duration_seconds",
		"Latency of a single transport write",
		SendBuckets,
	)
	RelayRestartsTotal = NewCounterVec(
		"relay_restarts_total",
		"Total relay session restarts",
		[]string{"relay"},
	)

	// Ingest Metrics
	IngestRowsTotal = NewCounter(
		"ingest_rows_total",
		"Total rows inserted from uploads",
	)
	IngestRequestsTotal = NewCounterVec(
		"ingest_requests_total",
		"Total uploads by result",
		[]string{"result"},
	)
	IngestDurationSeconds = NewHistogramWithBuckets(
		"ingest_duration_seconds",
		"Upload handling latency",
		IngestBuckets,
	)
}
