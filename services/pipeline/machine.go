package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"appbench-orchestrator/pkg/db/pagination"
	"appbench-orchestrator/pkg/errutil"
	"appbench-orchestrator/services/events"
	"appbench-orchestrator/services/generation"
	"appbench-orchestrator/services/task"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Generator produces the app for one generation job.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Result, error)
}

// Tasks is the part of the task store the pipeline needs.
type Tasks interface {
	CreateMainTaskWithSubtasks(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	Statuses(ctx context.Context, ids []string) (map[string]task.Status, error)
	List(ctx context.Context, f task.ListFilter, p pagination.Pagination) ([]task.Task, pagination.PageInfo, error)
}

// TaskCanceller cancels a main task, aborting it if it is executing.
type TaskCanceller interface {
	Cancel(ctx context.Context, mainID, reason string) (*task.Task, error)
}

// Namer hands out display names for new pipelines.
type Namer interface {
	NextPipelineCode(ctx context.Context) (string, error)
}

type Deps struct {
	Store     *Store
	Tasks     Tasks
	Canceller TaskCanceller
	Generator Generator
	Locker    Locker
	Publisher events.Publisher
	Clock     clock.Clock
	IDs       task.IDGenerator
	Namer     Namer

	// defaults applied to configs that leave them out
	Services   []string
	MaxRetries int
}

// Machine drives pipelines from generation through analysis. All state it
// acts on is read back from the store on every step.
type Machine struct {
	Deps
}

func NewMachine(d Deps) *Machine {
	if d.Publisher == nil {
		d.Publisher = events.NopPublisher{}
	}
	if d.Locker == nil {
		d.Locker = NewLocalLocker()
	}
	return &Machine{Deps: d}
}

type CreateRequest struct {
	Name   string
	Config Config
}

func (m *Machine) Create(ctx context.Context, req CreateRequest) (*Pipeline, error) {
	cfg := req.Config
	if cfg.Version == 0 {
		cfg.Version = ConfigVersion
	}
	if len(cfg.Analysis.Services) == 0 {
		cfg.Analysis.Services = append([]string(nil), m.Services...)
	}
	if cfg.Analysis.MaxRetries == nil {
		n := m.MaxRetries
		cfg.Analysis.MaxRetries = &n
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Analysis.Priority != "" {
		if _, err := task.ParsePriority(cfg.Analysis.Priority); err != nil {
			return nil, errutil.Wrap(errutil.StatusValidationFailed, ErrInvalidConfig, err.Error(), nil, errutil.WithDetail("analysis.priority", err.Error()))
		}
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, errutil.Internal("failed to encode pipeline config", err)
	}
	prog, err := newProgress(len(cfg.Jobs())).Marshal()
	if err != nil {
		return nil, errutil.Internal("failed to encode pipeline progress", err)
	}

	id := m.IDs.Next()
	name := strings.TrimSpace(req.Name)
	if name == "" && m.Namer != nil {
		if code, err := m.Namer.NextPipelineCode(ctx); err == nil {
			name = code
		} else {
			zap.L().Warn("failed to allocate pipeline code", zap.String("pipeline_id", id), zap.Error(err))
		}
	}
	if name == "" {
		name = "pipeline-" + id
	}

	p := &Pipeline{
		PipelineID:   id,
		Name:         name,
		Status:       task.StatusPending,
		CurrentStage: StageGeneration,
		Config:       datatypes.JSON(body),
		Progress:     datatypes.JSON(prog),
	}
	if err := m.Store.Insert(ctx, p); err != nil {
		return nil, err
	}
	zap.L().Info("created pipeline",
		zap.String("pipeline_id", id),
		zap.String("name", name),
		zap.Int("jobs", len(cfg.Jobs())),
	)
	return p, nil
}

func (m *Machine) Get(ctx context.Context, id string) (*Pipeline, error) {
	return m.Store.Get(ctx, id)
}

// Start moves a pending pipeline to running. Starting a running pipeline is
// a no-op.
func (m *Machine) Start(ctx context.Context, id string) (*Pipeline, error) {
	p, err := m.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case task.StatusRunning:
		return p, nil
	case task.StatusPending:
	default:
		return p, conflict(id, fmt.Sprintf("pipeline already %s", p.Status))
	}
	prog, err := p.DecodeProgress()
	if err != nil {
		return nil, errutil.Internal("failed to decode pipeline progress", err)
	}
	now := m.Clock.Now().UTC()
	p.Status = task.StatusRunning
	p.StartedAt = &now
	if err := m.Store.Save(ctx, p, prog); err != nil {
		return nil, err
	}
	zap.L().Info("started pipeline", zap.String("pipeline_id", id))
	return p, nil
}

// Cancel stops a pending or running pipeline and cancels every analysis task
// it created. Cancelling a cancelled pipeline returns it unchanged.
func (m *Machine) Cancel(ctx context.Context, id, reason string) (*Pipeline, error) {
	if reason == "" {
		reason = "cancelled"
	}
	var (
		p    *Pipeline
		prog Progress
		err  error
	)
	for attempt := 0; ; attempt++ {
		p, err = m.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Status == task.StatusCancelled {
			return p, nil
		}
		if p.Status.IsTerminal() {
			return p, conflict(id, fmt.Sprintf("pipeline already %s", p.Status))
		}
		if prog, err = p.DecodeProgress(); err != nil {
			return nil, errutil.Internal("failed to decode pipeline progress", err)
		}
		now := m.Clock.Now().UTC()
		p.Status = task.StatusCancelled
		p.CurrentStage = StageDone
		p.ErrorMessage = reason
		p.CompletedAt = &now
		err = m.Store.Save(ctx, p, prog)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) || attempt >= 2 {
			return nil, err
		}
	}

	log := zap.L().With(zap.String("pipeline_id", id))
	m.cancelAnalysisTasks(ctx, id, prog.Analysis.MainTaskIDs)
	log.Info("cancelled pipeline", zap.String("reason", reason))
	m.publish(ctx, p, prog)
	return p, nil
}

// cancelAnalysisTasks cancels the recorded analysis tasks of a pipeline and
// every other main task carrying its id as batch. The second set covers
// tasks a concurrent creation pass inserted but could not record.
func (m *Machine) cancelAnalysisTasks(ctx context.Context, id string, recorded []string) {
	log := zap.L().With(zap.String("pipeline_id", id))
	ids := append([]string(nil), recorded...)
	seen := make(map[string]bool, len(ids))
	for _, tid := range ids {
		seen[tid] = true
	}

	page := pagination.Pagination{Limit: pagination.MaxLimit}
	for {
		batch, info, err := m.Tasks.List(ctx, task.ListFilter{BatchID: id, MainOnly: true}, page)
		if err != nil {
			log.Warn("failed to list pipeline tasks", zap.Error(err))
			break
		}
		for _, t := range batch {
			if !seen[t.TaskID] && !t.Status.IsTerminal() {
				seen[t.TaskID] = true
				ids = append(ids, t.TaskID)
			}
		}
		if !info.HasMore {
			break
		}
		page.Cursor = info.NextCursor
	}

	for _, taskID := range ids {
		if _, err := m.Canceller.Cancel(ctx, taskID, "pipeline cancelled"); err != nil {
			if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrNotFound) {
				continue
			}
			log.Warn("failed to cancel analysis task", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}

// Advance performs at most one step of a running pipeline and reports
// whether anything was committed. A pipeline locked by another worker is
// skipped.
func (m *Machine) Advance(ctx context.Context, id string) (bool, error) {
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
		return false, m.fail(ctx, p, newProgress(0), err.Error())
	}
	prog, err := p.DecodeProgress()
	if err != nil {
		return false, m.fail(ctx, p, newProgress(len(cfg.Jobs())), err.Error())
	}

	switch p.CurrentStage {
	case StageGeneration:
		return m.advanceGeneration(ctx, p, cfg, prog)
	case StageAnalysis:
		return m.advanceAnalysis(ctx, p, cfg, prog)
	}
	return false, nil
}

func (m *Machine) advanceGeneration(ctx context.Context, p *Pipeline, cfg Config, prog Progress) (bool, error) {
	jobs := cfg.Jobs()
	prog.Generation.Total = len(jobs)
	log := zap.L().With(zap.String("pipeline_id", p.PipelineID))

	if GenerationComplete(p.CurrentJobIndex, prog) {
		prog.Generation.Status = StageCompleted
		p.CurrentStage = StageAnalysis
		return true, m.Store.Save(ctx, p, prog)
	}

	var next *Job
	for i := range jobs {
		if !prog.Generation.recorded(jobs[i].Index) {
			next = &jobs[i]
			break
		}
	}
	if next == nil {
		// every outcome is recorded but the cursor lags behind
		p.CurrentJobIndex = len(jobs)
		return true, m.Store.Save(ctx, p, prog)
	}

	log.Info("generating app",
		zap.Int("job_index", next.Index),
		zap.String("model", next.Model),
		zap.String("template", next.Template),
		zap.Int("app_number", next.AppNumber),
	)
	res, err := m.Generator.Generate(ctx, generation.Request{
		PipelineID: p.PipelineID,
		Model:      next.Model,
		Template:   next.Template,
		AppNumber:  next.AppNumber,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		res = generation.Result{Error: err.Error()}
	}
	if !res.Success && res.Error == "" {
		res.Error = "generation failed"
	}

	prog.Generation.Status = StageRunning
	prog.Generation.record(JobResult{Job: *next, Success: res.Success, Error: res.Error})
	if p.CurrentJobIndex < next.Index+1 {
		p.CurrentJobIndex = next.Index + 1
	}
	if GenerationComplete(p.CurrentJobIndex, prog) {
		prog.Generation.Status = StageCompleted
		p.CurrentStage = StageAnalysis
	}
	if err := m.Store.Save(ctx, p, prog); err != nil {
		return false, err
	}
	if !res.Success {
		log.Warn("generation job failed", zap.Int("job_index", next.Index), zap.String("error", res.Error))
	}
	return true, nil
}

func (m *Machine) advanceAnalysis(ctx context.Context, p *Pipeline, cfg Config, prog Progress) (bool, error) {
	if !GenerationComplete(p.CurrentJobIndex, prog) {
		p.CurrentStage = StageGeneration
		return true, m.Store.Save(ctx, p, prog)
	}
	if prog.Analysis.Status == StagePending {
		return m.createAnalysisTasks(ctx, p, cfg, prog)
	}

	statuses, err := m.Tasks.Statuses(ctx, prog.Analysis.MainTaskIDs)
	if err != nil {
		return false, err
	}
	before := prog.Analysis
	recountAnalysis(&prog, statuses)
	if !AnalysisComplete(p.CurrentJobIndex, prog, statuses) {
		if before.Completed == prog.Analysis.Completed && before.Failed == prog.Analysis.Failed {
			return false, nil
		}
		return true, m.Store.Save(ctx, p, prog)
	}
	return true, m.finish(ctx, p, prog, statuses)
}

func (m *Machine) createAnalysisTasks(ctx context.Context, p *Pipeline, cfg Config, prog Progress) (bool, error) {
	log := zap.L().With(zap.String("pipeline_id", p.PipelineID))
	maxRetries := m.MaxRetries
	if cfg.Analysis.MaxRetries != nil {
		maxRetries = *cfg.Analysis.MaxRetries
	}
	var priority task.Priority
	if cfg.Analysis.Priority != "" {
		priority, _ = task.ParsePriority(cfg.Analysis.Priority)
	}

	known := make(map[string]bool, len(prog.Analysis.MainTaskIDs))
	for _, id := range prog.Analysis.MainTaskIDs {
		known[id] = true
	}
	prog.Analysis.CreationErrors = nil
	prog.Analysis.Filtered = 0
	for _, r := range prog.Generation.Results {
		if !r.Success {
			continue
		}
		ok, err := cfg.Accepts(r.Job)
		if err != nil {
			prog.Analysis.CreationErrors = append(prog.Analysis.CreationErrors,
				fmt.Sprintf("%s app%d: filter: %v", r.Model, r.AppNumber, err))
			continue
		}
		if !ok {
			prog.Analysis.Filtered++
			continue
		}
		t, err := m.Tasks.CreateMainTaskWithSubtasks(ctx, task.CreateRequest{
			Model:      r.Model,
			AppNumber:  r.AppNumber,
			Services:   cfg.Analysis.Services,
			Tools:      cfg.Analysis.Tools,
			Priority:   priority,
			MaxRetries: maxRetries,
			BatchID:    p.PipelineID,
		})
		if err != nil && !errors.Is(err, task.ErrDuplicate) {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			log.Error("failed to create analysis task",
				zap.String("model", r.Model), zap.Int("app_number", r.AppNumber), zap.Error(err))
			prog.Analysis.CreationErrors = append(prog.Analysis.CreationErrors,
				fmt.Sprintf("%s app%d: %v", r.Model, r.AppNumber, err))
			continue
		}
		if !known[t.TaskID] {
			known[t.TaskID] = true
			prog.Analysis.MainTaskIDs = append(prog.Analysis.MainTaskIDs, t.TaskID)
		}
	}
	prog.Analysis.Total = len(prog.Analysis.MainTaskIDs)

	if prog.Analysis.Total == 0 {
		msg := "no analysis tasks could be created"
		switch {
		case prog.Generation.Completed == 0:
			msg = "no apps were generated successfully"
		case prog.Analysis.Filtered == prog.Generation.Completed:
			msg = "no generated apps matched the analysis filter"
		}
		if len(prog.Analysis.CreationErrors) > 0 {
			msg += ": " + strings.Join(prog.Analysis.CreationErrors, "; ")
		}
		return true, m.fail(ctx, p, prog, msg)
	}

	prog.Analysis.Status = StageRunning
	if err := m.Store.Save(ctx, p, prog); err != nil {
		if errors.Is(err, ErrConflict) {
			if current, gerr := m.Store.Get(ctx, p.PipelineID); gerr == nil && current.Status == task.StatusCancelled {
				log.Info("pipeline cancelled while creating analysis tasks")
				m.cancelAnalysisTasks(ctx, p.PipelineID, prog.Analysis.MainTaskIDs)
				return false, nil
			}
		}
		return false, err
	}
	log.Info("created analysis tasks",
		zap.Int("tasks", prog.Analysis.Total),
		zap.Int("filtered", prog.Analysis.Filtered),
		zap.Int("errors", len(prog.Analysis.CreationErrors)))
	return true, nil
}

func (m *Machine) finish(ctx context.Context, p *Pipeline, prog Progress, statuses map[string]task.Status) error {
	status := task.StatusCompleted
	var problems []string
	if n := prog.Generation.Failed; n > 0 {
		problems = append(problems, fmt.Sprintf("%d generation job(s) failed", n))
	}
	if n := len(prog.Analysis.CreationErrors); n > 0 {
		problems = append(problems, fmt.Sprintf("%d analysis task(s) could not be created", n))
	}
	if n := prog.Analysis.Total - prog.Analysis.Completed; n > 0 {
		problems = append(problems, fmt.Sprintf("%d of %d analysis task(s) did not complete", n, prog.Analysis.Total))
	}
	if len(problems) > 0 {
		status = task.StatusPartialSuccess
	}

	now := m.Clock.Now().UTC()
	p.Status = status
	p.CurrentStage = StageDone
	p.ErrorMessage = strings.Join(problems, "; ")
	p.CompletedAt = &now
	prog.Analysis.Status = StageCompleted
	if err := m.Store.Save(ctx, p, prog); err != nil {
		return err
	}
	zap.L().Info("pipeline finished",
		zap.String("pipeline_id", p.PipelineID),
		zap.String("status", status.String()),
		zap.Int("tasks", len(statuses)),
	)
	m.publish(ctx, p, prog)
	return nil
}

func (m *Machine) fail(ctx context.Context, p *Pipeline, prog Progress, msg string) error {
	now := m.Clock.Now().UTC()
	p.Status = task.StatusFailed
	p.CurrentStage = StageDone
	p.ErrorMessage = msg
	p.CompletedAt = &now
	if err := m.Store.Save(ctx, p, prog); err != nil {
		return err
	}
	zap.L().Error("pipeline failed", zap.String("pipeline_id", p.PipelineID), zap.String("error", msg))
	m.publish(ctx, p, prog)
	return nil
}

func (m *Machine) publish(ctx context.Context, p *Pipeline, prog Progress) {
	ev := events.Event{
		Type:       events.TypePipelineFinished,
		Subject:    p.PipelineID,
		Status:     p.Status.String(),
		OccurredAt: m.Clock.Now().UTC(),
		Data: map[string]any{
			"name":                 p.Name,
			"generation_completed": prog.Generation.Completed,
			"generation_failed":    prog.Generation.Failed,
			"analysis_total":       prog.Analysis.Total,
			"analysis_completed":   prog.Analysis.Completed,
			"analysis_failed":      prog.Analysis.Failed,
		},
	}
	if p.ErrorMessage != "" {
		ev.Data["error_message"] = p.ErrorMessage
	}
	if err := m.Publisher.Publish(ctx, ev); err != nil {
		zap.L().Warn("failed to publish pipeline event", zap.String("pipeline_id", p.PipelineID), zap.Error(err))
	}
}

// recountAnalysis derives the analysis counters from task statuses. A task
// counts as completed only when it completed outright.
func recountAnalysis(prog *Progress, statuses map[string]task.Status) {
	prog.Analysis.Total = len(prog.Analysis.MainTaskIDs)
	prog.Analysis.Completed, prog.Analysis.Failed = 0, 0
	for _, id := range prog.Analysis.MainTaskIDs {
		switch s := statuses[id]; {
		case s == task.StatusCompleted:
			prog.Analysis.Completed++
		case s.IsTerminal():
			prog.Analysis.Failed++
		}
	}
}

// AnalysisComplete reports whether the analysis stage is over: generation
// must be complete, the analysis tasks must have been created, and every one
// of them must be terminal.
func AnalysisComplete(currentJobIndex int, prog Progress, statuses map[string]task.Status) bool {
	if !GenerationComplete(currentJobIndex, prog) {
		return false
	}
	if prog.Analysis.Status == StagePending {
		return false
	}
	for _, id := range prog.Analysis.MainTaskIDs {
		s, ok := statuses[id]
		if !ok || !s.IsTerminal() {
			return false
		}
	}
	return true
}
