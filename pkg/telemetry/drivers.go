package telemetry

import (
	"context"
	"time"

	"github.com/openfroyo/idler/pkg/drivers"
)

// InstrumentDriver wraps d so every provider call is traced and counted.
// A driver that can snapshot keeps that capability.
func InstrumentDriver(d drivers.Driver, m *Metrics, t *Tracer) drivers.Driver {
	base := &instrumentedDriver{next: d, metrics: m, tracer: t}
	if s, ok := d.(drivers.Snapshotter); ok {
		return &instrumentedSnapshotter{instrumentedDriver: base, snap: s}
	}
	return base
}

type instrumentedDriver struct {
	next    drivers.Driver
	metrics *Metrics
	tracer  *Tracer
}

func (d *instrumentedDriver) observe(ctx context.Context, op string, ref drivers.Ref, fn func(context.Context) error) error {
	typ := string(d.next.Type())
	start := time.Now()
	var err error
	if d.tracer != nil {
		spanCtx, span := d.tracer.StartDriverSpan(ctx, typ, op, ref.ID)
		err = fn(spanCtx)
		RecordError(span, err)
		span.End()
	} else {
		err = fn(ctx)
	}
	d.metrics.RecordDriverCall(typ, op, err, time.Since(start))
	return err
}

func (d *instrumentedDriver) Type() drivers.ResourceType { return d.next.Type() }

func (d *instrumentedDriver) Describe(ctx context.Context, ref drivers.Ref) (*drivers.Description, error) {
	var out *drivers.Description
	err := d.observe(ctx, "describe", ref, func(ctx context.Context) error {
		var err error
		out, err = d.next.Describe(ctx, ref)
		return err
	})
	return out, err
}

func (d *instrumentedDriver) Stop(ctx context.Context, ref drivers.Ref) error {
	return d.observe(ctx, "stop", ref, func(ctx context.Context) error {
		return d.next.Stop(ctx, ref)
	})
}

func (d *instrumentedDriver) Start(ctx context.Context, ref drivers.Ref, opts drivers.StartOptions) (*drivers.Endpoint, error) {
	var out *drivers.Endpoint
	err := d.observe(ctx, "start", ref, func(ctx context.Context) error {
		var err error
		out, err = d.next.Start(ctx, ref, opts)
		return err
	})
	return out, err
}

func (d *instrumentedDriver) Scale(ctx context.Context, ref drivers.Ref, desired int) error {
	return d.observe(ctx, "scale", ref, func(ctx context.Context) error {
		return d.next.Scale(ctx, ref, desired)
	})
}

type instrumentedSnapshotter struct {
	*instrumentedDriver
	snap drivers.Snapshotter
}

func (d *instrumentedSnapshotter) Snapshot(ctx context.Context, ref drivers.Ref, name string) error {
	return d.observe(ctx, "snapshot", ref, func(ctx context.Context) error {
		return d.snap.Snapshot(ctx, ref, name)
	})
}
