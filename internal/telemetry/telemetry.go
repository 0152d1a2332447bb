// Package telemetry wires lightweight OpenTelemetry instrumentation
// around the replication hot path (spec §4.14): a counter of WAL
// appends, a histogram of replication round-trip latency, and a span
// around each AppendEntries round. The SDK is initialized with no
// exporter registered by default, so recorded data has nowhere to go
// until a real collector is wired in — the core carries no mandatory
// collector dependency.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown flushes and releases the providers Init installed.
type Shutdown func(ctx context.Context) error

// Recorder exposes the small set of instruments the replication
// package records against.
type Recorder struct {
	tracer        trace.Tracer
	walAppends    metric.Int64Counter
	replicationRTT metric.Float64Histogram
}

// Init installs global tracer and meter providers scoped to
// serviceName and builds a Recorder over them. No exporter is
// registered, and neither Init nor the node configuration offers a way
// to attach one, so recorded data is not shipped anywhere.
func Init(serviceName string) (*Recorder, Shutdown, error) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(mp)

	tracer := tp.Tracer(serviceName)
	meter := mp.Meter(serviceName)

	walAppends, err := meter.Int64Counter("wolfscale.wal.appends",
		metric.WithDescription("count of entries appended to the write-ahead log"))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create wal append counter: %w", err)
	}

	rtt, err := meter.Float64Histogram("wolfscale.replication.round_trip_ms",
		metric.WithDescription("AppendEntries round-trip latency in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create replication rtt histogram: %w", err)
	}

	rec := &Recorder{tracer: tracer, walAppends: walAppends, replicationRTT: rtt}

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	return rec, shutdown, nil
}

// RecordWALAppend increments the WAL append counter.
func (r *Recorder) RecordWALAppend(ctx context.Context) {
	if r == nil {
		return
	}
	r.walAppends.Add(ctx, 1)
}

// ObserveReplicationRTT records one AppendEntries round's latency.
func (r *Recorder) ObserveReplicationRTT(ctx context.Context, peerID string, d time.Duration) {
	if r == nil {
		return
	}
	r.replicationRTT.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("peer_id", peerID)))
}

// StartAppendEntriesSpan opens a span around one AppendEntries round
// to a peer, returning the derived context and a finish function that
// records the outcome.
func (r *Recorder) StartAppendEntriesSpan(ctx context.Context, peerID string) (context.Context, func(err error)) {
	if r == nil {
		return ctx, func(error) {}
	}
	ctx, span := r.tracer.Start(ctx, "AppendEntries", trace.WithAttributes(attribute.String("peer_id", peerID)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
