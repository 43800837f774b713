package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all agentlink metrics instruments.
type Metrics struct {
	HeartbeatLatency metric.Float64Histogram
	Reconnects       metric.Int64Counter
	MessagesSent     metric.Int64Counter
	MessagesReceived metric.Int64Counter
	PendingRequests  metric.Int64Gauge
	QueueDepth       metric.Int64Gauge
	StreamChunks     metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	RequestErrors    metric.Int64Counter
	HITLDecisions    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HeartbeatLatency, err = meter.Float64Histogram("agentlink.heartbeat.latency",
		metric.WithDescription("Heartbeat round-trip time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("agentlink.connection.reconnects",
		metric.WithDescription("Successful reconnections after a dropped connection"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesSent, err = meter.Int64Counter("agentlink.messages.sent",
		metric.WithDescription("Envelopes written to the wire"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesReceived, err = meter.Int64Counter("agentlink.messages.received",
		metric.WithDescription("Envelopes read from the wire"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingRequests, err = meter.Int64Gauge("agentlink.requests.pending",
		metric.WithDescription("Correlated requests awaiting a reply"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge("agentlink.queue.depth",
		metric.WithDescription("Outbound envelopes queued while disconnected"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamChunks, err = meter.Int64Counter("agentlink.stream.chunks",
		metric.WithDescription("Streamed text chunks accepted by the tracker"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("agentlink.request.duration",
		metric.WithDescription("Correlated request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter("agentlink.request.errors",
		metric.WithDescription("Correlated requests resolved with an error"),
	)
	if err != nil {
		return nil, err
	}

	m.HITLDecisions, err = meter.Int64Counter("agentlink.hitl.decisions",
		metric.WithDescription("Approval requests reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
