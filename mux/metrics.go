package mux

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics are the instruments shared by every socket created with the same
// meter.
type Metrics struct {
	metric.Meter

	BytesReceived   metric.Int64Counter
	BytesSent       metric.Int64Counter
	Unmatched       metric.Int64Counter
	Evicted         metric.Int64Counter
	Truncated       metric.Int64Counter
	RTPReceived     metric.Int64Counter
	RTPLost         metric.Int64Counter
	RTPLossFraction metric.Float64Histogram
	logicalSockets  metric.Int64UpDownCounter
}

// NewMetrics registers the demultiplexer instruments on meter. A nil meter
// gives no-op instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("icemux")
	}

	bytesRecv, err := meter.Int64Counter("icemux_bytes_received")
	if err != nil {
		return nil, err
	}

	bytesSent, err := meter.Int64Counter("icemux_bytes_sent")
	if err != nil {
		return nil, err
	}

	unmatched, err := meter.Int64Counter("icemux_datagrams_unmatched",
		metric.WithDescription("Datagrams no logical socket accepted"))
	if err != nil {
		return nil, err
	}

	evicted, err := meter.Int64Counter("icemux_datagrams_evicted",
		metric.WithDescription("Datagrams dropped from a full receive queue"))
	if err != nil {
		return nil, err
	}

	truncated, err := meter.Int64Counter("icemux_datagrams_truncated")
	if err != nil {
		return nil, err
	}

	rtpRecv, err := meter.Int64Counter("icemux_rtp_received")
	if err != nil {
		return nil, err
	}

	rtpLost, err := meter.Int64Counter("icemux_rtp_lost")
	if err != nil {
		return nil, err
	}

	lossFraction, err := meter.Float64Histogram("icemux_rtp_loss_fraction",
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.2, 0.5, 1))
	if err != nil {
		return nil, err
	}

	logical, err := meter.Int64UpDownCounter("icemux_logical_sockets")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Meter:           meter,
		BytesReceived:   bytesRecv,
		BytesSent:       bytesSent,
		Unmatched:       unmatched,
		Evicted:         evicted,
		Truncated:       truncated,
		RTPReceived:     rtpRecv,
		RTPLost:         rtpLost,
		RTPLossFraction: lossFraction,
		logicalSockets:  logical,
	}, nil
}

func (m *Metrics) evicted(n int, queue string) {
	if n == 0 {
		return
	}
	m.Evicted.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *Metrics) logicalSocketAdded() {
	m.logicalSockets.Add(context.Background(), 1)
}

func (m *Metrics) logicalSocketRemoved() {
	m.logicalSockets.Add(context.Background(), -1)
}
