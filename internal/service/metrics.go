package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the service's instruments. The meter provider is whatever
// the runtime installed globally; under tests this is the otel no-op.
type metrics struct {
	recognitions metric.Int64Counter
	duration     metric.Float64Histogram
	fallbacks    metric.Int64Counter
	skips        metric.Int64Counter
	batchItems   metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-asr/internal/service")

	recognitions, err := meter.Int64Counter("asr.recognitions",
		metric.WithDescription("Recognition attempts by engine and outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("asr.recognition.duration",
		metric.WithDescription("Recognition latency in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	fallbacks, err := meter.Int64Counter("asr.fallbacks",
		metric.WithDescription("Fallback transitions to a secondary engine"))
	if err != nil {
		return nil, err
	}
	skips, err := meter.Int64Counter("asr.breaker.skips",
		metric.WithDescription("Engines skipped because their circuit was open"))
	if err != nil {
		return nil, err
	}
	batchItems, err := meter.Int64Counter("asr.batch.items",
		metric.WithDescription("Batch items processed by outcome"))
	if err != nil {
		return nil, err
	}

	return &metrics{
		recognitions: recognitions,
		duration:     duration,
		fallbacks:    fallbacks,
		skips:        skips,
		batchItems:   batchItems,
	}, nil
}

func (m *metrics) recordRecognition(ctx context.Context, engine, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("outcome", outcome))
	m.recognitions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *metrics) recordFallback(ctx context.Context, engine string) {
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

func (m *metrics) recordSkip(ctx context.Context, engine string) {
	m.skips.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

func (m *metrics) recordBatchItem(ctx context.Context, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.batchItems.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
