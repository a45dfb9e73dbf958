package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"appbench-orchestrator/services/analyzer"
	"appbench-orchestrator/services/task"

	"github.com/facebookgo/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Executor runs one analyzer exchange.
type Executor interface {
	Execute(ctx context.Context, service string, job analyzer.Job, onProgress analyzer.ProgressFunc) (*analyzer.Result, error)
}

type Options struct {
	PollInterval    time.Duration
	Workers         int
	MaxConcurrent   int
	ProtocolRetries int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	// HeartbeatInterval is how often a subtask with an analyzer call in
	// flight refreshes its activity timestamp. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// Dispatcher claims pending main tasks and fans their subtasks out to the
// analyzer services. A fixed pool of workers executes claimed tasks; the
// claim size is bounded by the number of idle workers and by the global
// running cap enforced in the store.
type Dispatcher struct {
	store     *task.Store
	executor  Executor
	finalizer *Finalizer
	sink      analyzer.ProgressSink
	clock     clock.Clock
	opts      Options
	tracer    trace.Tracer
	metrics   instruments

	running *cancelRegistry
	wake    chan struct{}
}

func New(store *task.Store, executor Executor, finalizer *Finalizer, sink analyzer.ProgressSink, clk clock.Clock, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if sink == nil {
		sink = analyzer.NopProgressSink{}
	}
	return &Dispatcher{
		store:     store,
		executor:  executor,
		finalizer: finalizer,
		sink:      sink,
		clock:     clk,
		opts:      opts,
		tracer:    otel.Tracer("appbench-orchestrator/dispatcher"),
		metrics:   newInstruments(opts.MeterProvider),
		running:   newCancelRegistry(),
		wake:      make(chan struct{}, 1),
	}
}

// Wake asks the poll loop to claim work without waiting for the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls for work until ctx is cancelled, then waits for in-flight tasks
// to hand their claims back.
func (d *Dispatcher) Run(ctx context.Context) error {
	work := make(chan task.Task)
	var idle atomic.Int64
	idle.Store(int64(d.opts.Workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case t := <-work:
					d.runMain(ctx, t)
					idle.Add(1)
					d.Wake()
				}
			}
		})
	}

	g.Go(func() error {
		ticker := d.clock.Ticker(d.opts.PollInterval)
		defer ticker.Stop()
		zap.L().Info("dispatcher started",
			zap.Int("workers", d.opts.Workers),
			zap.Int("max_concurrent_tasks", d.opts.MaxConcurrent),
			zap.Duration("poll_interval", d.opts.PollInterval))

		for {
			d.poll(ctx, work, &idle)
			select {
			case <-ctx.Done():
				zap.L().Info("dispatcher stopped")
				return nil
			case <-ticker.C:
			case <-d.wake:
			}
		}
	})
	return g.Wait()
}

func (d *Dispatcher) poll(ctx context.Context, work chan<- task.Task, idle *atomic.Int64) {
	free := int(idle.Load())
	if free <= 0 || ctx.Err() != nil {
		return
	}

	claimed, err := d.store.ClaimNext(ctx, free, d.opts.MaxConcurrent)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Error("failed to claim tasks", zap.Error(err))
		}
		return
	}

	for i, t := range claimed {
		idle.Add(-1)
		select {
		case work <- t:
		case <-ctx.Done():
			for _, rest := range claimed[i:] {
				d.release(ctx, rest)
			}
			return
		}
	}
}

func (d *Dispatcher) release(ctx context.Context, t task.Task) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.store.Release(ctx, t.TaskID, t.ClaimToken); err != nil {
		zap.L().Error("failed to release task", zap.String("task_id", t.TaskID), zap.Error(err))
		return
	}
	zap.L().Info("released task", zap.String("task_id", t.TaskID))
}

// runMain executes every subtask of a claimed main task concurrently and
// finalizes the main task once all of them are terminal.
func (d *Dispatcher) runMain(ctx context.Context, main task.Task) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.main_task", trace.WithAttributes(
		attribute.String("task_id", main.TaskID),
		attribute.String("model", main.TargetModel),
		attribute.Int("app_number", main.TargetAppNumber),
	))
	defer span.End()
	started := d.clock.Now()

	log := zap.L().With(zap.String("task_id", main.TaskID), zap.String("model", main.TargetModel), zap.Int("app_number", main.TargetAppNumber))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.running.add(main.ClaimToken, main.TaskID, cancel)
	defer d.running.remove(main.ClaimToken)

	subtasks, err := d.store.StartSubtasks(runCtx, main.TaskID, main.ClaimToken)
	if err != nil {
		if errors.Is(err, task.ErrConflict) {
			log.Info("task no longer claimed, skipping", zap.Error(err))
			return
		}
		log.Error("failed to start subtasks", zap.Error(err))
		d.release(ctx, main)
		return
	}
	log.Info("dispatching task", zap.Int("subtasks", len(subtasks)))

	// every subtask runs to its own end; none aborts its siblings
	var g errgroup.Group
	for _, sub := range subtasks {
		if sub.Status != task.StatusRunning {
			continue
		}
		g.Go(func() error {
			d.runSubtask(runCtx, main, sub)
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case ctx.Err() != nil:
		d.release(ctx, main)
		return
	case runCtx.Err() != nil:
		log.Info("task cancelled during execution")
		span.SetStatus(codes.Error, "cancelled")
		return
	}

	status, err := d.finalizer.Finalize(ctx, main.TaskID, main.ClaimToken)
	if err != nil {
		log.Error("failed to finalize task", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.String("status", status.String()))
	d.metrics.duration.Record(ctx, d.clock.Now().Sub(started).Seconds(),
		metric.WithAttributes(attribute.String("status", status.String())))
}

// heartbeat keeps a subtask's activity timestamp fresh until the returned
// func is called, so a silent but live analyzer exchange is not mistaken for
// a stuck one.
func (d *Dispatcher) heartbeat(ctx context.Context, log *zap.Logger, subtaskID, token string) func() {
	if d.opts.HeartbeatInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := d.clock.Ticker(d.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.store.Heartbeat(ctx, subtaskID, token); err != nil {
					log.Debug("heartbeat rejected", zap.Error(err))
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// runSubtask drives one subtask to a terminal status, retrying transient
// analyzer failures with exponential backoff.
func (d *Dispatcher) runSubtask(ctx context.Context, main task.Task, sub task.Task) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.subtask", trace.WithAttributes(
		attribute.String("task_id", sub.TaskID),
		attribute.String("service", sub.ServiceName),
	))
	defer span.End()

	log := zap.L().With(zap.String("task_id", sub.TaskID), zap.String("parent_task_id", main.TaskID), zap.String("service", sub.ServiceName))
	token := main.ClaimToken
	job := analyzer.Job{
		Model:         main.TargetModel,
		AppNumber:     main.TargetAppNumber,
		Tools:         sub.ToolList(),
		CorrelationID: sub.TaskID,
	}
	onProgress := d.progressFunc(ctx, main.TaskID, sub, token)
	policy := resumeRetryPolicy(retryPolicy(d.opts.BackoffBase, d.opts.BackoffMax, d.clock), sub.RetryCount)
	protocolFailures := 0

	for attempt := sub.RetryCount + 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		stop := d.heartbeat(ctx, log, sub.TaskID, token)
		res, err := d.executor.Execute(ctx, sub.ServiceName, job, onProgress)
		stop()
		if err == nil {
			status, msg := task.StatusCompleted, ""
			if !res.Succeeded() {
				status, msg = task.StatusFailed, res.Error
				if msg == "" {
					msg = "analyzer reported an error"
				}
			}
			d.complete(ctx, log, sub, token, status, res.Analysis, msg)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !analyzer.Retryable(err) {
			log.Error("subtask failed permanently", zap.Error(err))
			d.complete(ctx, log, sub, token, task.StatusFailed, nil, err.Error())
			return
		}

		retries, rerr := d.store.RecordAttemptFailure(ctx, sub.TaskID, token, err.Error())
		if rerr != nil {
			log.Info("stopping subtask, result no longer wanted", zap.Error(rerr))
			return
		}
		span.AddEvent("attempt failed", trace.WithAttributes(attribute.Int("attempt", attempt), attribute.String("error", err.Error())))

		if errors.Is(err, analyzer.ErrProtocol) {
			protocolFailures++
			if protocolFailures > d.opts.ProtocolRetries {
				log.Warn("protocol retries exhausted", zap.Int("protocol_failures", protocolFailures), zap.Error(err))
				d.complete(ctx, log, sub, token, task.StatusFailed, nil, err.Error())
				return
			}
		}
		if retries > sub.MaxRetries {
			log.Warn("retries exhausted", zap.Int("retry_count", retries), zap.Int("max_retries", sub.MaxRetries), zap.Error(err))
			d.complete(ctx, log, sub, token, task.StatusFailed, nil, err.Error())
			return
		}

		wait := policy.NextBackOff()
		d.metrics.retry(ctx, sub.ServiceName)
		log.Info("retrying subtask", zap.Int("retry_count", retries), zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-d.clock.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) complete(ctx context.Context, log *zap.Logger, sub task.Task, token string, status task.Status, raw []byte, msg string) {
	err := d.store.CompleteSubtask(ctx, sub.TaskID, token, status, raw, msg)
	switch {
	case err == nil:
		d.metrics.outcome(ctx, sub.ServiceName, status)
		log.Info("subtask finished", zap.String("status", status.String()))
	case errors.Is(err, task.ErrConflict):
		log.Info("discarding late result", zap.String("status", status.String()), zap.Error(err))
	default:
		log.Error("failed to record subtask result", zap.Error(err))
	}
}

func (d *Dispatcher) progressFunc(ctx context.Context, mainID string, sub task.Task, token string) analyzer.ProgressFunc {
	return func(p analyzer.Progress) {
		if err := d.store.Touch(ctx, sub.TaskID, token, p.Progress); err != nil {
			zap.L().Debug("progress not recorded", zap.String("task_id", sub.TaskID), zap.Error(err))
			return
		}
		ev := analyzer.ProgressEvent{MainTaskID: mainID, SubtaskID: sub.TaskID, Service: sub.ServiceName, Progress: p}
		if err := d.sink.Publish(ctx, ev); err != nil {
			zap.L().Debug("progress not published", zap.String("task_id", sub.TaskID), zap.Error(err))
		}
	}
}

// Cancel cancels a main task in the store and aborts its execution if this
// instance is running it.
func (d *Dispatcher) Cancel(ctx context.Context, mainID, reason string) (*task.Task, error) {
	t, err := d.store.Cancel(ctx, mainID, reason)
	if err != nil {
		return t, err
	}
	if d.running.cancel(mainID) {
		zap.L().Info("aborted running task", zap.String("task_id", mainID))
	}
	return t, nil
}

// InFlight reports how many main tasks this instance is executing.
func (d *Dispatcher) InFlight() int {
	return d.running.len()
}
