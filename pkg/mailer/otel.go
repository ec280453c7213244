package mailer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailerr"
)

const instrumentationName = "github.com/shineum/mailkit/pkg/mailer"

// InstrumentConfig selects the providers used by Instrument. Nil providers
// fall back to the global ones.
type InstrumentConfig struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Instrumented wraps a Mailer with OpenTelemetry spans and metrics.
type Instrumented struct {
	inner  Mailer
	tracer trace.Tracer

	emails    metric.Int64Counter
	duration  metric.Float64Histogram
	batches   metric.Int64Counter
	batchSize metric.Int64Histogram
}

// Instrument wraps m so each Deliver and DeliverMany call produces a span
// and updates the mailkit.* metrics.
func Instrument(m Mailer, cfg InstrumentConfig) (*Instrumented, error) {
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	in := &Instrumented{
		inner:  m,
		tracer: tp.Tracer(instrumentationName),
	}
	if err := in.initMetrics(mp.Meter(instrumentationName)); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *Instrumented) initMetrics(meter metric.Meter) error {
	var err error

	in.emails, err = meter.Int64Counter(
		"mailkit.emails",
		metric.WithDescription("Number of emails handed to a backend"),
	)
	if err != nil {
		return err
	}

	in.duration, err = meter.Float64Histogram(
		"mailkit.delivery.duration",
		metric.WithDescription("Duration of delivery calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	in.batches, err = meter.Int64Counter(
		"mailkit.batches",
		metric.WithDescription("Number of batch delivery calls"),
	)
	if err != nil {
		return err
	}

	in.batchSize, err = meter.Int64Histogram(
		"mailkit.batch.size",
		metric.WithDescription("Number of emails per batch"),
	)
	return err
}

// Unwrap returns the wrapped backend.
func (in *Instrumented) Unwrap() Mailer {
	return in.inner
}

// Name implements Mailer.
func (in *Instrumented) Name() string {
	return in.inner.Name()
}

// Deliver implements Mailer.
func (in *Instrumented) Deliver(ctx context.Context, e email.Email) (*DeliveryResult, error) {
	ctx, end := in.startSpan(ctx, "mailer.deliver",
		attribute.String("mail.provider", in.inner.Name()),
		attribute.StringSlice("mail.to", addressList(e.To)),
		attribute.String("mail.subject", e.Subject),
	)

	start := time.Now()
	res, err := in.inner.Deliver(ctx, e)
	in.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("provider", in.inner.Name()),
		attribute.String("operation", "deliver"),
	))
	in.emails.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", in.inner.Name()),
		attribute.String("status", status(err)),
	))

	end(err)
	return res, err
}

// DeliverMany implements BatchMailer.
func (in *Instrumented) DeliverMany(ctx context.Context, emails []email.Email) []Result {
	ctx, end := in.startSpan(ctx, "mailer.deliver_many",
		attribute.String("mail.provider", in.inner.Name()),
		attribute.Int("mail.batch.size", len(emails)),
	)

	start := time.Now()
	results := dispatchBatch(ctx, in.inner, emails)
	provider := attribute.String("provider", in.inner.Name())
	in.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		provider,
		attribute.String("operation", "deliver_many"),
	))
	in.batches.Add(ctx, 1, metric.WithAttributes(provider))
	in.batchSize.Record(ctx, int64(len(emails)), metric.WithAttributes(provider))

	var firstErr error
	failed := 0
	for _, r := range results {
		in.emails.Add(ctx, 1, metric.WithAttributes(provider, attribute.String("status", status(r.Err))))
		if r.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = r.Err
			}
		}
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("mail.batch.failed", failed))

	end(firstErr)
	return results
}

func (in *Instrumented) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := in.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func status(err error) string {
	if err == nil {
		return "success"
	}
	return mailerr.KindOf(err).String()
}
