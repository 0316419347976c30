package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	MeterName  = "github.com/SirClappington/enrichq"
	TracerName = "github.com/SirClappington/enrichq"
)

// Metrics holds the queue metric instruments.
type Metrics struct {
	jobsClaimed     metric.Int64Counter
	jobsFinished    metric.Int64Counter
	batchDuration   metric.Float64Histogram
	requestDuration metric.Float64Histogram
	webhooks        metric.Int64Counter
}

// NewMetrics creates instruments on mp, or on the global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	var err error
	m.jobsClaimed, err = meter.Int64Counter(
		"enrichq.jobs.claimed",
		metric.WithDescription("Jobs claimed by the worker loop"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.jobsClaimed, _ = meter.Int64Counter("enrichq.jobs.claimed")
	}

	m.jobsFinished, err = meter.Int64Counter(
		"enrichq.jobs.finished",
		metric.WithDescription("Job attempts by outcome status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.jobsFinished, _ = meter.Int64Counter("enrichq.jobs.finished")
	}

	m.batchDuration, err = meter.Float64Histogram(
		"enrichq.worker.batch.duration",
		metric.WithDescription("Duration of one worker loop invocation in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.batchDuration, _ = meter.Float64Histogram("enrichq.worker.batch.duration")
	}

	m.requestDuration, err = meter.Float64Histogram(
		"enrichq.http.request.duration",
		metric.WithDescription("Duration of API requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.requestDuration, _ = meter.Float64Histogram("enrichq.http.request.duration")
	}

	m.webhooks, err = meter.Int64Counter(
		"enrichq.webhooks.received",
		metric.WithDescription("Provider callbacks by provider and outcome"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		m.webhooks, _ = meter.Int64Counter("enrichq.webhooks.received")
	}
	return m
}

func (m *Metrics) RecordClaim(ctx context.Context, jobType string) {
	m.jobsClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("job.type", jobType)))
}

func (m *Metrics) RecordOutcome(ctx context.Context, jobType, status string) {
	m.jobsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job.type", jobType),
		attribute.String("job.status", status),
	))
}

func (m *Metrics) RecordBatch(ctx context.Context, processed int, d time.Duration) {
	m.batchDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.Int("jobs.processed", processed)))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, d time.Duration) {
	m.requestDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	))
}

func (m *Metrics) RecordWebhook(ctx context.Context, provider, outcome string) {
	m.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("webhook.provider", provider),
		attribute.String("webhook.outcome", outcome),
	))
}
