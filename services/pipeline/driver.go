package pipeline

import (
	"context"
	"errors"
	"time"

	"appbench-orchestrator/services/task"

	"github.com/facebookgo/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type DriverOptions struct {
	Interval          time.Duration
	ReconcileInterval time.Duration
	Workers           int
}

// Driver periodically advances every running pipeline and runs the
// reconciler on its own, slower, cadence.
type Driver struct {
	machine    *Machine
	reconciler *Reconciler
	clock      clock.Clock
	opts       DriverOptions
	tracer     trace.Tracer
	wake       chan struct{}
}

func NewDriver(m *Machine, r *Reconciler, clk clock.Clock, opts DriverOptions) *Driver {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Driver{
		machine:    m,
		reconciler: r,
		clock:      clk,
		opts:       opts,
		tracer:     otel.Tracer("appbench-orchestrator/pipeline"),
		wake:       make(chan struct{}, 1),
	}
}

func (d *Driver) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := d.clock.Ticker(d.opts.Interval)
		defer ticker.Stop()
		zap.L().Info("pipeline driver started",
			zap.Duration("interval", d.opts.Interval),
			zap.Int("workers", d.opts.Workers))
		for {
			d.Tick(ctx)
			select {
			case <-ctx.Done():
				zap.L().Info("pipeline driver stopped")
				return nil
			case <-ticker.C:
			case <-d.wake:
			}
		}
	})

	if d.reconciler != nil {
		g.Go(func() error {
			ticker := d.clock.Ticker(d.opts.ReconcileInterval)
			defer ticker.Stop()
			for {
				reset, err := d.reconciler.Reconcile(ctx)
				if err != nil && ctx.Err() == nil {
					zap.L().Error("reconcile pass failed", zap.Error(err))
				}
				if len(reset) > 0 {
					zap.L().Warn("reconcile reset stuck tasks", zap.Strings("task_ids", reset))
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// Tick drives each running pipeline as far as it can go right now.
func (d *Driver) Tick(ctx context.Context) {
	running, err := d.machine.Store.ListByStatus(ctx, task.StatusRunning)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Error("failed to list running pipelines", zap.Error(err))
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(d.opts.Workers)
	for _, p := range running {
		id := p.PipelineID
		g.Go(func() error {
			d.drive(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Driver) drive(ctx context.Context, id string) {
	ctx, span := d.tracer.Start(ctx, "pipeline.advance", trace.WithAttributes(attribute.String("pipeline_id", id)))
	defer span.End()

	steps, conflicts := 0, 0
	for ctx.Err() == nil {
		changed, err := d.machine.Advance(ctx, id)
		if err != nil {
			if errors.Is(err, ErrConflict) && conflicts < 3 {
				conflicts++
				continue
			}
			if ctx.Err() == nil {
				span.RecordError(err)
				zap.L().Error("failed to advance pipeline", zap.String("pipeline_id", id), zap.Error(err))
			}
			return
		}
		if !changed {
			break
		}
		steps++
	}
	span.SetAttributes(attribute.Int("steps", steps))
}
