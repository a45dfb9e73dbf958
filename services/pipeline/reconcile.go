package pipeline

import (
	"context"
	"errors"
	"time"

	"appbench-orchestrator/services/task"

	"go.uber.org/zap"
)

// StuckResetter returns abandoned running tasks to pending.
type StuckResetter interface {
	ResetStuck(ctx context.Context, grace time.Duration) ([]string, error)
}

// Repair re-derives the stage and counters of a running pipeline from what
// is durably stored: recorded job outcomes and task statuses. It never moves
// the job cursor.
func (m *Machine) Repair(ctx context.Context, id string) (bool, error) {
	release, err := m.Locker.Acquire(ctx, id)
	if err != nil {
		if isLocked(err) {
			return false, nil
		}
		return false, err
	}
	defer release()

	p, err := m.Store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if p.Status != task.StatusRunning {
		return false, nil
	}
	cfg, err := p.DecodeConfig()
	if err != nil {
		return false, err
	}
	prog, err := p.DecodeProgress()
	if err != nil {
		return false, err
	}
	before, _ := prog.Marshal()
	stage := p.CurrentStage

	prog.Generation.Total = len(cfg.Jobs())
	prog.Generation.recount()
	genDone := GenerationComplete(p.CurrentJobIndex, prog)
	switch {
	case genDone:
		prog.Generation.Status = StageCompleted
		if p.CurrentStage == StageGeneration {
			p.CurrentStage = StageAnalysis
		}
	case len(prog.Generation.Results) > 0:
		prog.Generation.Status = StageRunning
		p.CurrentStage = StageGeneration
	default:
		p.CurrentStage = StageGeneration
	}

	if len(prog.Analysis.MainTaskIDs) > 0 {
		statuses, err := m.Tasks.Statuses(ctx, prog.Analysis.MainTaskIDs)
		if err != nil {
			return false, err
		}
		recountAnalysis(&prog, statuses)
		if prog.Analysis.Status == StagePending {
			prog.Analysis.Status = StageRunning
		}
	}

	after, _ := prog.Marshal()
	if stage == p.CurrentStage && string(before) == string(after) {
		return false, nil
	}
	if err := m.Store.Save(ctx, p, prog); err != nil {
		return false, err
	}
	zap.L().Info("repaired pipeline state",
		zap.String("pipeline_id", id),
		zap.String("stage_before", string(stage)),
		zap.String("stage", string(p.CurrentStage)),
	)
	return true, nil
}

// Reconciler heals state left behind by crashed workers.
type Reconciler struct {
	machine *Machine
	tasks   StuckResetter
	grace   time.Duration
}

func NewReconciler(m *Machine, tasks StuckResetter, grace time.Duration) *Reconciler {
	return &Reconciler{machine: m, tasks: tasks, grace: grace}
}

// Reconcile resets stuck tasks, then repairs every running pipeline. It
// returns the ids of the tasks that were reset.
func (r *Reconciler) Reconcile(ctx context.Context) ([]string, error) {
	reset, err := r.tasks.ResetStuck(ctx, r.grace)
	if err != nil {
		return reset, err
	}

	running, err := r.machine.Store.ListByStatus(ctx, task.StatusRunning)
	if err != nil {
		return reset, err
	}
	var errs []error
	for _, p := range running {
		if _, err := r.machine.Repair(ctx, p.PipelineID); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			zap.L().Error("failed to repair pipeline", zap.String("pipeline_id", p.PipelineID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return reset, errors.Join(errs...)
}
