package pipeline

import (
	"context"
	"errors"
	"fmt"

	pkgasynq "appbench-orchestrator/pkg/asynq"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Handler serves pipeline commands submitted through the asynq queue.
type Handler struct {
	machine *Machine
	driver  *Driver
}

func NewHandler(m *Machine, d *Driver) *Handler {
	return &Handler{machine: m, driver: d}
}

func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(pkgasynq.TypePipelineStart, h.HandleStart)
	mux.HandleFunc(pkgasynq.TypePipelineCancel, h.HandleCancel)
}

func permanent(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidConfig) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func (h *Handler) HandleStart(ctx context.Context, t *asynq.Task) error {
	var p pkgasynq.PipelinePayload
	if err := pkgasynq.Decode(t, &p); err != nil {
		return err
	}
	if _, err := h.machine.Start(ctx, p.PipelineID); err != nil {
		return permanent(err)
	}
	if h.driver != nil {
		h.driver.Wake()
	}
	return nil
}

func (h *Handler) HandleCancel(ctx context.Context, t *asynq.Task) error {
	var p pkgasynq.PipelinePayload
	if err := pkgasynq.Decode(t, &p); err != nil {
		return err
	}
	pl, err := h.machine.Cancel(ctx, p.PipelineID, p.Reason)
	if err != nil {
		return permanent(err)
	}
	zap.L().Info("pipeline cancel handled", zap.String("pipeline_id", pl.PipelineID), zap.String("status", pl.Status.String()))
	return nil
}
