package orchestrator

import (
	"context"
	"errors"

	pkgasynq "appbench-orchestrator/pkg/asynq"
	"appbench-orchestrator/pkg/config"
	"appbench-orchestrator/pkg/db/pagination"
	"appbench-orchestrator/pkg/errutil"
	"appbench-orchestrator/pkg/featureflags"
	"appbench-orchestrator/services/aggregator"
	"appbench-orchestrator/services/analyzer"
	"appbench-orchestrator/services/dispatcher"
	"appbench-orchestrator/services/pipeline"
	"appbench-orchestrator/services/task"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Deps is every collaborator the service reaches. Nothing is looked up
// through globals.
type Deps struct {
	fx.In

	Config    *config.Config
	Tasks     *task.Store
	Finalizer *dispatcher.Finalizer
	Pipelines *pipeline.Machine
	Registry  *analyzer.Registry
	Enqueuer  pkgasynq.Enqueuer        `optional:"true"`
	Flags     featureflags.FeatureFlag `optional:"true"`
}

// Service is the operator-facing entry point. Operations that must reach a
// running server, like aborting in-flight analyzer calls, are enqueued when
// a queue is available and applied to the store directly otherwise.
type Service struct {
	deps Deps
}

func NewService(d Deps) *Service {
	return &Service{deps: d}
}

// TriggerAnalysis creates a main task for one app. created is false when a
// task with the same batch, model and app already exists; that task is
// returned instead.
func (s *Service) TriggerAnalysis(ctx context.Context, req TriggerRequest) (t *task.Task, created bool, err error) {
	priority, err := task.ParsePriority(req.Priority)
	if err != nil {
		return nil, false, errutil.ValidationFailed(err.Error(), task.ErrConfig, errutil.WithDetail("priority", err.Error()))
	}
	services := req.Services
	if len(services) == 0 {
		services = s.defaultServices(ctx)
	}

	t, err = s.deps.Tasks.CreateMainTaskWithSubtasks(ctx, task.CreateRequest{
		Model:      req.Model,
		AppNumber:  req.AppNumber,
		Services:   services,
		Tools:      req.Tools,
		Priority:   priority,
		MaxRetries: s.deps.Config.Orchestrator.MaxRetries,
		BatchID:    req.BatchID,
	})
	if errors.Is(err, task.ErrDuplicate) {
		return t, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// SubmitAnalysis queues a trigger for the worker when a queue is available
// and creates the task in place otherwise. Bulk producers use it to avoid
// waiting on the database per app.
func (s *Service) SubmitAnalysis(ctx context.Context, req TriggerRequest) error {
	if s.deps.Enqueuer == nil {
		_, _, err := s.TriggerAnalysis(ctx, req)
		return err
	}
	if _, err := task.ParsePriority(req.Priority); err != nil {
		return errutil.ValidationFailed(err.Error(), task.ErrConfig, errutil.WithDetail("priority", err.Error()))
	}
	return s.enqueue(ctx, pkgasynq.TypeAnalysisTrigger, pkgasynq.AnalysisTriggerPayload{
		Model:     req.Model,
		AppNumber: req.AppNumber,
		Services:  req.Services,
		Tools:     req.Tools,
		Priority:  req.Priority,
		BatchID:   req.BatchID,
	})
}

// defaultServices is every configured analyzer not switched off by its
// feature flag.
func (s *Service) defaultServices(ctx context.Context) []string {
	names := s.deps.Registry.Names()
	if s.deps.Flags == nil {
		return names
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if s.deps.Flags.Enabled(ctx, featureflags.AnalyzerFlag(name), true) {
			out = append(out, name)
			continue
		}
		zap.L().Info("analyzer disabled by feature flag", zap.String("service", name))
	}
	return out
}

func (s *Service) Task(ctx context.Context, id string) (*TaskView, error) {
	family, err := s.deps.Tasks.Family(ctx, id)
	if err != nil {
		return nil, err
	}
	main, ok := family.Get(id)
	if !ok {
		return nil, errutil.NotFound("task not found", task.ErrNotFound, errutil.WithDetail("task_id", id))
	}
	return &TaskView{Task: main, Subtasks: family.Children(id)}, nil
}

func (s *Service) CancelTask(ctx context.Context, id, reason string) error {
	if s.deps.Enqueuer == nil {
		_, err := s.deps.Tasks.Cancel(ctx, id, reason)
		return err
	}
	return s.enqueue(ctx, pkgasynq.TypeTaskCancel, pkgasynq.TaskPayload{TaskID: id, Reason: reason}, asynq.Queue(pkgasynq.QueueCritical))
}

func (s *Service) Reaggregate(ctx context.Context, id string) (*aggregator.Document, error) {
	return s.deps.Finalizer.Reaggregate(ctx, id)
}

// RequestReaggregate hands a re-aggregation to the worker when a queue is
// available and runs it in place otherwise.
func (s *Service) RequestReaggregate(ctx context.Context, id string) error {
	if s.deps.Enqueuer == nil {
		_, err := s.Reaggregate(ctx, id)
		return err
	}
	if _, err := s.deps.Tasks.Get(ctx, id); err != nil {
		return err
	}
	return s.enqueue(ctx, pkgasynq.TypeTaskReaggregate, pkgasynq.TaskPayload{TaskID: id}, asynq.Queue(pkgasynq.QueueLow))
}

func (s *Service) CreatePipeline(ctx context.Context, name string, cfg pipeline.Config) (*pipeline.Pipeline, error) {
	return s.deps.Pipelines.Create(ctx, pipeline.CreateRequest{Name: name, Config: cfg})
}

// ListTasks pages through main tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, status, batchID string, page pagination.Pagination) ([]task.Task, pagination.PageInfo, error) {
	f := task.ListFilter{BatchID: batchID, MainOnly: true}
	if status != "" {
		st, err := task.ParseStatus(status)
		if err != nil {
			return nil, pagination.PageInfo{}, errutil.ValidationFailed(err.Error(), task.ErrConfig, errutil.WithDetail("status", status))
		}
		f.Status = st
	}
	return s.deps.Tasks.List(ctx, f, page)
}

func (s *Service) Pipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	return s.deps.Pipelines.Get(ctx, id)
}

func (s *Service) StartPipeline(ctx context.Context, id string) error {
	if s.deps.Enqueuer == nil {
		_, err := s.deps.Pipelines.Start(ctx, id)
		return err
	}
	// fail fast on unknown ids instead of leaving it to the worker
	if _, err := s.deps.Pipelines.Get(ctx, id); err != nil {
		return err
	}
	return s.enqueue(ctx, pkgasynq.TypePipelineStart, pkgasynq.PipelinePayload{PipelineID: id})
}

func (s *Service) CancelPipeline(ctx context.Context, id, reason string) error {
	if s.deps.Enqueuer == nil {
		_, err := s.deps.Pipelines.Cancel(ctx, id, reason)
		return err
	}
	return s.enqueue(ctx, pkgasynq.TypePipelineCancel, pkgasynq.PipelinePayload{PipelineID: id, Reason: reason}, asynq.Queue(pkgasynq.QueueCritical))
}

func (s *Service) enqueue(ctx context.Context, typ string, payload any, opts ...asynq.Option) error {
	t, err := pkgasynq.NewTask(typ, payload, opts...)
	if err != nil {
		return err
	}
	info, err := s.deps.Enqueuer.Enqueue(ctx, t)
	if err != nil {
		return errutil.Unavailable("failed to enqueue command", err)
	}
	zap.L().Info("command enqueued", zap.String("type", typ), zap.String("id", info.ID), zap.String("queue", info.Queue))
	return nil
}
