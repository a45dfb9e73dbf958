package dispatcher

import (
	"context"
	"errors"
	"fmt"

	pkgasynq "appbench-orchestrator/pkg/asynq"
	"appbench-orchestrator/services/task"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Handler serves the task commands submitted through the asynq queue.
type Handler struct {
	store      *task.Store
	dispatcher *Dispatcher
	finalizer  *Finalizer
	maxRetries int
}

func NewHandler(store *task.Store, d *Dispatcher, f *Finalizer, maxRetries int) *Handler {
	return &Handler{store: store, dispatcher: d, finalizer: f, maxRetries: maxRetries}
}

func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(pkgasynq.TypeAnalysisTrigger, h.HandleAnalysisTrigger)
	mux.HandleFunc(pkgasynq.TypeTaskCancel, h.HandleTaskCancel)
	mux.HandleFunc(pkgasynq.TypeTaskReaggregate, h.HandleTaskReaggregate)
}

// permanent marks errors a retry cannot fix.
func permanent(err error) error {
	if errors.Is(err, task.ErrConfig) || errors.Is(err, task.ErrNotFound) || errors.Is(err, task.ErrConflict) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func (h *Handler) HandleAnalysisTrigger(ctx context.Context, t *asynq.Task) error {
	var p pkgasynq.AnalysisTriggerPayload
	if err := pkgasynq.Decode(t, &p); err != nil {
		return err
	}
	priority, err := task.ParsePriority(p.Priority)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	main, err := h.store.CreateMainTaskWithSubtasks(ctx, task.CreateRequest{
		Model:      p.Model,
		AppNumber:  p.AppNumber,
		Services:   p.Services,
		Tools:      p.Tools,
		Priority:   priority,
		MaxRetries: h.maxRetries,
		BatchID:    p.BatchID,
	})
	if errors.Is(err, task.ErrDuplicate) {
		zap.L().Info("analysis already requested", zap.String("task_id", main.TaskID), zap.String("batch_id", p.BatchID))
		return nil
	}
	if err != nil {
		return permanent(err)
	}

	zap.L().Info("analysis task created", zap.String("task_id", main.TaskID), zap.String("model", p.Model), zap.Int("app_number", p.AppNumber))
	h.dispatcher.Wake()
	return nil
}

func (h *Handler) HandleTaskCancel(ctx context.Context, t *asynq.Task) error {
	var p pkgasynq.TaskPayload
	if err := pkgasynq.Decode(t, &p); err != nil {
		return err
	}
	if _, err := h.dispatcher.Cancel(ctx, p.TaskID, p.Reason); err != nil {
		return permanent(err)
	}
	zap.L().Info("task cancelled", zap.String("task_id", p.TaskID), zap.String("reason", p.Reason))
	return nil
}

func (h *Handler) HandleTaskReaggregate(ctx context.Context, t *asynq.Task) error {
	var p pkgasynq.TaskPayload
	if err := pkgasynq.Decode(t, &p); err != nil {
		return err
	}
	if _, err := h.finalizer.Reaggregate(ctx, p.TaskID); err != nil {
		return permanent(err)
	}
	return nil
}
