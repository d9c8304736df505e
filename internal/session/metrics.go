package session

import (
	"context"
	"errors"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/internal/session"

type metrics struct {
	chunks      metric.Int64Counter
	bytes       metric.Int64Counter
	passes      metric.Float64Histogram
	events      metric.Int64Counter
	failures    metric.Int64Counter
	annotations metric.Int64Counter
	active      atomic.Int64
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error
	if m.chunks, err = meter.Int64Counter("scribe.session.chunks",
		metric.WithDescription("Audio chunks received by sessions")); err != nil {
		return nil, err
	}
	if m.bytes, err = meter.Int64Counter("scribe.session.audio_bytes",
		metric.WithDescription("Raw audio bytes received by sessions"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.passes, err = meter.Float64Histogram("scribe.session.pass.duration",
		metric.WithDescription("Time spent resampling and recognizing one batch"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.events, err = meter.Int64Counter("scribe.session.events",
		metric.WithDescription("Transcript events emitted, by kind")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("scribe.session.failures",
		metric.WithDescription("Dropped recognition passes, by failure kind")); err != nil {
		return nil, err
	}
	if m.annotations, err = meter.Int64Counter("scribe.session.annotation_skips",
		metric.WithDescription("Events delivered without complete annotations")); err != nil {
		return nil, err
	}
	_, err = meter.Int64ObservableGauge("scribe.session.active",
		metric.WithDescription("Live streaming sessions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.active.Load())
			return nil
		}))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) failure(ctx context.Context, err error) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", failureKind(err))))
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrResample):
		return "resample"
	case errors.Is(err, ErrRecognize):
		return "recognize"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
