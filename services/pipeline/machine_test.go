package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pkgasynq "appbench-orchestrator/pkg/asynq"
	"appbench-orchestrator/pkg/db/pagination"
	"appbench-orchestrator/services/events"
	"appbench-orchestrator/services/generation"
	"appbench-orchestrator/services/task"
	"appbench-orchestrator/services/testutil"

	"github.com/facebookgo/clock"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type generatorMock struct {
	mock.Mock
}

func (g *generatorMock) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	args := g.Called(ctx, req)
	return args.Get(0).(generation.Result), args.Error(1)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type harness struct {
	db      *gorm.DB
	clock   *clock.Mock
	ids     *testutil.SeqIDs
	tasks   *task.Store
	store   *Store
	gen     *generatorMock
	events  *recorder
	machine *Machine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewTestDB(t, append(task.Models(), &Pipeline{})...)
	h := &harness{
		db:     db,
		clock:  testutil.NewMockClock(),
		ids:    &testutil.SeqIDs{},
		gen:    &generatorMock{},
		events: &recorder{},
	}
	h.tasks = task.NewStore(db, h.clock, testutil.NewCatalog(testutil.DefaultServices...), h.ids)
	h.store = NewStore(db, h.clock)
	h.machine = h.newMachine(h.gen)
	return h
}

func (h *harness) newMachine(gen Generator) *Machine {
	return NewMachine(Deps{
		Store:      h.store,
		Tasks:      h.tasks,
		Canceller:  h.tasks,
		Generator:  gen,
		Publisher:  h.events,
		Clock:      h.clock,
		IDs:        h.ids,
		Services:   []string{"static-analyzer", "ai-analyzer"},
		MaxRetries: 2,
	})
}

func (h *harness) started(t *testing.T, models, templates []string) *Pipeline {
	t.Helper()
	ctx := context.Background()
	p, err := h.machine.Create(ctx, CreateRequest{Config: Config{
		Generation: GenerationConfig{Models: models, Templates: templates},
	}})
	require.NoError(t, err)
	p, err = h.machine.Start(ctx, p.PipelineID)
	require.NoError(t, err)
	return p
}

// drive advances the pipeline until it stops changing.
func (h *harness) drive(t *testing.T, m *Machine, id string) *Pipeline {
	t.Helper()
	for i := 0; i < 100; i++ {
		changed, err := m.Advance(context.Background(), id)
		require.NoError(t, err)
		if !changed {
			break
		}
	}
	p, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (h *harness) setTaskStatus(t *testing.T, status task.Status, ids ...string) {
	t.Helper()
	require.NoError(t, h.db.Model(&task.Task{}).Where("task_id IN ?", ids).Update("status", status).Error)
}

func progressOf(t *testing.T, p *Pipeline) Progress {
	t.Helper()
	prog, err := p.DecodeProgress()
	require.NoError(t, err)
	return prog
}

func succeedAll(g *generatorMock) {
	g.On("Generate", mock.Anything, mock.Anything).Return(generation.Result{Success: true}, nil)
}

func TestPipelineRunsGenerationThenAnalysis(t *testing.T) {
	h := newHarness(t)
	h.gen.On("Generate", mock.Anything, mock.MatchedBy(func(r generation.Request) bool {
		return r.Model == "m2" && r.Template == "t1"
	})).Return(generation.Result{Success: false, Error: "template rendering failed"}, nil)
	succeedAll(h.gen)

	p := h.started(t, []string{"m1", "m2"}, []string{"t1", "t2"})
	ctx := context.Background()

	for want := 1; want <= 4; want++ {
		changed, err := h.machine.Advance(ctx, p.PipelineID)
		require.NoError(t, err)
		require.True(t, changed)
		p, err = h.store.Get(ctx, p.PipelineID)
		require.NoError(t, err)
		require.Equal(t, want, p.CurrentJobIndex)
	}
	require.Equal(t, StageAnalysis, p.CurrentStage)
	prog := progressOf(t, p)
	require.Equal(t, 3, prog.Generation.Completed)
	require.Equal(t, 1, prog.Generation.Failed)
	require.Equal(t, StageCompleted, prog.Generation.Status)
	require.Equal(t, "template rendering failed", prog.Generation.Results[2].Error)
	require.Equal(t, 1, prog.Generation.Results[2].AppNumber)

	p = h.drive(t, h.machine, p.PipelineID)
	prog = progressOf(t, p)
	require.Equal(t, task.StatusRunning, p.Status)
	require.Len(t, prog.Analysis.MainTaskIDs, 3)
	require.Equal(t, StageRunning, prog.Analysis.Status)

	main, err := h.tasks.Get(ctx, prog.Analysis.MainTaskIDs[0])
	require.NoError(t, err)
	require.Equal(t, p.PipelineID, main.BatchID)
	require.Equal(t, 2, main.MaxRetries)
	subs, err := h.tasks.Subtasks(ctx, main.TaskID)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	h.setTaskStatus(t, task.StatusCompleted, prog.Analysis.MainTaskIDs[:2]...)
	p = h.drive(t, h.machine, p.PipelineID)
	require.Equal(t, task.StatusRunning, p.Status)
	require.Equal(t, 2, progressOf(t, p).Analysis.Completed)

	h.setTaskStatus(t, task.StatusPartialSuccess, prog.Analysis.MainTaskIDs[2])
	p = h.drive(t, h.machine, p.PipelineID)
	require.Equal(t, task.StatusPartialSuccess, p.Status)
	require.Equal(t, StageDone, p.CurrentStage)
	require.NotNil(t, p.CompletedAt)
	require.Contains(t, p.ErrorMessage, "1 generation job(s) failed")
	require.Contains(t, p.ErrorMessage, "1 of 3 analysis task(s) did not complete")

	evs := h.events.snapshot()
	require.Len(t, evs, 1)
	require.Equal(t, events.TypePipelineFinished, evs[0].Type)
	require.Equal(t, "partial_success", evs[0].Status)
	h.gen.AssertNumberOfCalls(t, "Generate", 4)
}

func TestPipelineCompletesWhenEverythingSucceeds(t *testing.T) {
	h := newHarness(t)
	succeedAll(h.gen)
	p := h.started(t, []string{"m1"}, []string{"t1", "t2"})

	p = h.drive(t, h.machine, p.PipelineID)
	ids := progressOf(t, p).Analysis.MainTaskIDs
	require.Len(t, ids, 2)

	h.setTaskStatus(t, task.StatusCompleted, ids...)
	p = h.drive(t, h.machine, p.PipelineID)
	require.Equal(t, task.StatusCompleted, p.Status)
	require.Empty(t, p.ErrorMessage)
	prog := progressOf(t, p)
	require.Equal(t, 2, prog.Analysis.Completed)
	require.Equal(t, StageCompleted, prog.Analysis.Status)
}

func TestAnalysisNotCompleteWhileJobsRemainUnsubmitted(t *testing.T) {
	prog := newProgress(10)
	statuses := map[string]task.Status{}
	for i := 0; i < 6; i++ {
		prog.Generation.record(JobResult{Job: Job{Index: i, Model: "m", AppNumber: i + 1}, Success: true})
		id := string(rune('a' + i))
		prog.Analysis.MainTaskIDs = append(prog.Analysis.MainTaskIDs, id)
		statuses[id] = task.StatusCompleted
	}
	prog.Analysis.Status = StageRunning

	require.False(t, GenerationComplete(6, prog))
	require.False(t, AnalysisComplete(6, prog, statuses))
}

func TestGenerationCompleteNeedsEveryOutcome(t *testing.T) {
	prog := newProgress(3)
	prog.Generation.record(JobResult{Job: Job{Index: 0}, Success: true})
	prog.Generation.record(JobResult{Job: Job{Index: 2}, Success: false})
	require.False(t, GenerationComplete(3, prog))

	prog.Generation.record(JobResult{Job: Job{Index: 1}, Success: true})
	require.True(t, GenerationComplete(3, prog))
	require.False(t, GenerationComplete(2, prog))
}

func TestPipelineResumesAfterRestart(t *testing.T) {
	h := newHarness(t)
	succeedAll(h.gen)
	p := h.started(t, []string{"m1", "m2"}, []string{"t1", "t2"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.machine.Advance(ctx, p.PipelineID)
		require.NoError(t, err)
	}

	// a fresh process only sees what was committed
	restarted := &generatorMock{}
	succeedAll(restarted)
	m := h.newMachine(restarted)
	p = h.drive(t, m, p.PipelineID)

	require.Equal(t, 4, p.CurrentJobIndex)
	require.Len(t, progressOf(t, p).Analysis.MainTaskIDs, 4)
	restarted.AssertNumberOfCalls(t, "Generate", 2)
	for _, c := range restarted.Calls {
		require.Equal(t, "m2", c.Arguments.Get(1).(generation.Request).Model)
	}
}

func TestGeneratorErrorIsRecordedAsFailedJob(t *testing.T) {
	h := newHarness(t)
	h.gen.On("Generate", mock.Anything, mock.Anything).Return(generation.Result{}, errors.New("connection reset"))
	p := h.started(t, []string{"m1"}, []string{"t1"})

	p = h.drive(t, h.machine, p.PipelineID)
	require.Equal(t, task.StatusFailed, p.Status)
	require.Equal(t, StageDone, p.CurrentStage)
	require.Contains(t, p.ErrorMessage, "no apps were generated successfully")
	prog := progressOf(t, p)
	require.Equal(t, 1, prog.Generation.Failed)
	require.Equal(t, "connection reset", prog.Generation.Results[0].Error)
	require.Equal(t, "failed", h.events.snapshot()[0].Status)
}

func TestLegacyProgressIsMigratedOnLoad(t *testing.T) {
	h := newHarness(t)
	succeedAll(h.gen)
	ctx := context.Background()

	legacy := `{
		"generation_total": 3,
		"generation_completed": 5,
		"generation_failed": 0,
		"generation_status": "running",
		"generation_results": [
			{"job_index": 0, "model": "m1", "template": "t1", "app_number": 1, "success": true},
			{"job_index": 1, "model": "m1", "template": "t2", "app_number": 2, "success": false, "error": "timeout"}
		],
		"main_task_ids": []
	}`
	p := &Pipeline{
		PipelineID:      "legacy-1",
		Name:            "legacy",
		Status:          task.StatusRunning,
		CurrentStage:    StageGeneration,
		CurrentJobIndex: 2,
		Config:          []byte(`{"generation":{"models":["m1"],"templates":["t1","t2","t3"]},"analysis":{"services":["static-analyzer"]}}`),
		Progress:        []byte(legacy),
	}
	require.NoError(t, h.store.Insert(ctx, p))

	prog := progressOf(t, p)
	require.Equal(t, ProgressVersion, prog.Version)
	require.Equal(t, 1, prog.Generation.Completed)
	require.Equal(t, 1, prog.Generation.Failed)
	require.Equal(t, StagePending, prog.Analysis.Status)

	changed, err := h.machine.Advance(ctx, p.PipelineID)
	require.NoError(t, err)
	require.True(t, changed)
	h.gen.AssertCalled(t, "Generate", mock.Anything, generation.Request{PipelineID: "legacy-1", Model: "m1", Template: "t3", AppNumber: 3})

	p, err = h.store.Get(ctx, p.PipelineID)
	require.NoError(t, err)
	require.Equal(t, 3, p.CurrentJobIndex)
	require.Equal(t, ProgressVersion, progressOf(t, p).Version)
}

func TestStaleWriteIsRejected(t *testing.T) {
	h := newHarness(t)
	p := h.started(t, []string{"m1"}, []string{"t1"})
	ctx := context.Background()

	a, err := h.store.Get(ctx, p.PipelineID)
	require.NoError(t, err)
	b, err := h.store.Get(ctx, p.PipelineID)
	require.NoError(t, err)

	a.CurrentJobIndex = 1
	require.NoError(t, h.store.Save(ctx, a, progressOf(t, a)))

	b.Status = task.StatusCancelled
	err = h.store.Save(ctx, b, progressOf(t, b))
	require.ErrorIs(t, err, ErrConflict)

	_, err = h.store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelStopsPipelineAndItsTasks(t *testing.T) {
	h := newHarness(t)
	succeedAll(h.gen)
	p := h.started(t, []string{"m1"}, []string{"t1", "t2"})
	p = h.drive(t, h.machine, p.PipelineID)
	ids := progressOf(t, p).Analysis.MainTaskIDs
	require.Len(t, ids, 2)
	h.setTaskStatus(t, task.StatusCompleted, ids[0])

	ctx := context.Background()
	p, err := h.machine.Cancel(ctx, p.PipelineID, "operator request")
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, p.Status)
	require.Equal(t, StageDone, p.CurrentStage)
	require.Equal(t, "operator request", p.ErrorMessage)

	first, err := h.tasks.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, first.Status)
	second, err := h.tasks.Get(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, second.Status)

	changed, err := h.machine.Advance(ctx, p.PipelineID)
	require.NoError(t, err)
	require.False(t, changed)

	again, err := h.machine.Cancel(ctx, p.PipelineID, "")
	require.NoError(t, err)
	require.Equal(t, p.Version, again.Version)
	require.Len(t, h.events.snapshot(), 1)
}

func TestCancelFinishedPipelineConflicts(t *testing.T) {
	h := newHarness(t)
	h.gen.On("Generate", mock.Anything, mock.Anything).Return(generation.Result{Success: false}, nil)
	p := h.started(t, []string{"m1"}, []string{"t1"})
	p = h.drive(t, h.machine, p.PipelineID)
	require.Equal(t, task.StatusFailed, p.Status)

	_, err := h.machine.Cancel(context.Background(), p.PipelineID, "")
	require.ErrorIs(t, err, ErrConflict)
}

func TestTaskCreationReusesTasksFromInterruptedAttempt(t *testing.T) {
	h := newHarness(t)
	succeedAll(h.gen)
	p := h.started(t, []string{"m1"}, []string{"t1", "t2"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.machine.Advance(ctx, p.PipelineID)
		require.NoError(t, err)
	}
	p, err := h.store.Get(ctx, p.PipelineID)
	require.NoError(t, err)
	require.Equal(t, StageAnalysis, p.CurrentStage)

	// an earlier attempt created the first task and died before saving
	orphan, err := h.tasks.CreateMainTaskWithSubtasks(ctx, task.CreateRequest{
		Model:     "m1",
		AppNumber: 1,
		Services:  []string{"static-analyzer"},
		BatchID:   p.PipelineID,
	})
	require.NoError(t, err)

	p = h.drive(t, h.machine, p.PipelineID)
	ids := progressOf(t, p).Analysis.MainTaskIDs
	require.Len(t, ids, 2)
	require.Contains(t, ids, orphan.TaskID)

	var mains int64
	require.NoError(t, h.db.Model(&task.Task{}).Where("is_main_task = ? AND batch_id = ?", true, p.PipelineID).Count(&mains).Error)
	require.EqualValues(t, 2, mains)
}

func TestRepairRederivesStageFromCommittedResults(t *testing.T) {
	h := newHarness(t)
	succeedAll(h.gen)
	p := h.started(t, []string{"m1"}, []string{"t1", "t2"})
	ctx := context.Background()

	_, err := h.machine.Advance(ctx, p.PipelineID)
	require.NoError(t, err)
	p, err = h.store.Get(ctx, p.PipelineID)
	require.NoError(t, err)

	// simulate a premature stage flip
	prog := progressOf(t, p)
	prog.Generation.Completed = 7
	p.CurrentStage = StageAnalysis
	require.NoError(t, h.store.Save(ctx, p, prog))

	changed, err := h.machine.Repair(ctx, p.PipelineID)
	require.NoError(t, err)
	require.True(t, changed)

	p, err = h.store.Get(ctx, p.PipelineID)
	require.NoError(t, err)
	require.Equal(t, StageGeneration, p.CurrentStage)
	require.Equal(t, 1, p.CurrentJobIndex)
	require.Equal(t, 1, progressOf(t, p).Generation.Completed)

	changed, err = h.machine.Repair(ctx, p.PipelineID)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestReconcileResetsStuckTasks(t *testing.T) {
	h := newHarness(t)
	succeedAll(h.gen)
	p := h.started(t, []string{"m1"}, []string{"t1"})
	p = h.drive(t, h.machine, p.PipelineID)
	id := progressOf(t, p).Analysis.MainTaskIDs[0]

	started := h.clock.Now().UTC()
	require.NoError(t, h.db.Model(&task.Task{}).Where("task_id = ?", id).
		Updates(map[string]any{"status": task.StatusRunning, "claim_token": "dead-worker", "started_at": started}).Error)
	h.clock.Add(10 * time.Minute)

	r := NewReconciler(h.machine, h.tasks, 5*time.Minute)
	reset, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{id}, reset)

	main, err := h.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, main.Status)
}

func TestAdvanceSkipsLockedPipeline(t *testing.T) {
	h := newHarness(t)
	p := h.started(t, []string{"m1"}, []string{"t1"})
	ctx := context.Background()

	release, err := h.machine.Locker.Acquire(ctx, p.PipelineID)
	require.NoError(t, err)
	changed, err := h.machine.Advance(ctx, p.PipelineID)
	require.NoError(t, err)
	require.False(t, changed)
	h.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	release()
	release()

	succeedAll(h.gen)
	changed, err = h.machine.Advance(ctx, p.PipelineID)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestCreateAppliesDefaultsAndValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.machine.Create(ctx, CreateRequest{Name: "nightly", Config: Config{
		Generation: GenerationConfig{Models: []string{"m1"}, Templates: []string{"t1", "t2", "t3"}},
	}})
	require.NoError(t, err)
	require.Equal(t, "nightly", p.Name)
	require.Equal(t, task.StatusPending, p.Status)
	require.Equal(t, StageGeneration, p.CurrentStage)

	cfg, err := p.DecodeConfig()
	require.NoError(t, err)
	require.Equal(t, ConfigVersion, cfg.Version)
	require.Equal(t, []string{"static-analyzer", "ai-analyzer"}, cfg.Analysis.Services)
	require.Equal(t, 2, *cfg.Analysis.MaxRetries)
	require.Equal(t, 3, progressOf(t, p).Generation.Total)

	_, err = h.machine.Create(ctx, CreateRequest{Config: Config{Generation: GenerationConfig{Models: []string{"m1"}}}})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = h.machine.Create(ctx, CreateRequest{Config: Config{
		Generation: GenerationConfig{Models: []string{"m1"}, Templates: []string{"t1"}},
		Analysis:   AnalysisConfig{Priority: "someday"},
	}})
	require.ErrorIs(t, err, ErrInvalidConfig)

	unnamed, err := h.machine.Create(ctx, CreateRequest{Config: Config{
		Generation: GenerationConfig{Models: []string{"m1"}, Templates: []string{"t1"}},
	}})
	require.NoError(t, err)
	require.Equal(t, "pipeline-"+unnamed.PipelineID, unnamed.Name)

	_, err = h.machine.Start(ctx, p.PipelineID)
	require.NoError(t, err)
	_, err = h.machine.Start(ctx, p.PipelineID)
	require.NoError(t, err)
}

func TestJobsAreModelMajor(t *testing.T) {
	cfg := Config{Generation: GenerationConfig{Models: []string{"a", "b"}, Templates: []string{"x", "y"}}}
	require.Equal(t, []Job{
		{Index: 0, Model: "a", Template: "x", AppNumber: 1},
		{Index: 1, Model: "a", Template: "y", AppNumber: 2},
		{Index: 2, Model: "b", Template: "x", AppNumber: 1},
		{Index: 3, Model: "b", Template: "y", AppNumber: 2},
	}, cfg.Jobs())
}

func TestHandlerStartsAndCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.machine.Create(ctx, CreateRequest{Config: Config{
		Generation: GenerationConfig{Models: []string{"m1"}, Templates: []string{"t1"}},
	}})
	require.NoError(t, err)
	handler := NewHandler(h.machine, nil)

	start, err := pkgasynq.NewTask(pkgasynq.TypePipelineStart, pkgasynq.PipelinePayload{PipelineID: p.PipelineID})
	require.NoError(t, err)
	require.NoError(t, handler.HandleStart(ctx, start))

	cancel, err := pkgasynq.NewTask(pkgasynq.TypePipelineCancel, pkgasynq.PipelinePayload{PipelineID: p.PipelineID, Reason: "abort"})
	require.NoError(t, err)
	require.NoError(t, handler.HandleCancel(ctx, cancel))

	p, err = h.store.Get(ctx, p.PipelineID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, p.Status)

	missing, err := pkgasynq.NewTask(pkgasynq.TypePipelineStart, pkgasynq.PipelinePayload{PipelineID: "nope"})
	require.NoError(t, err)
	err = handler.HandleStart(ctx, missing)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAnalysisFilterLimitsTasks(t *testing.T) {
	h := newHarness(t)
	succeedAll(h.gen)
	ctx := context.Background()

	p, err := h.machine.Create(ctx, CreateRequest{Config: Config{
		Generation: GenerationConfig{Models: []string{"m1", "m2"}, Templates: []string{"t1", "t2"}},
		Analysis:   AnalysisConfig{Filter: `model == "m1" && app_number == 2`},
	}})
	require.NoError(t, err)
	_, err = h.machine.Start(ctx, p.PipelineID)
	require.NoError(t, err)

	p = h.drive(t, h.machine, p.PipelineID)
	prog := progressOf(t, p)
	require.Equal(t, 1, prog.Analysis.Total)
	require.Equal(t, 3, prog.Analysis.Filtered)

	h.setTaskStatus(t, task.StatusCompleted, prog.Analysis.MainTaskIDs...)
	p = h.drive(t, h.machine, p.PipelineID)
	require.Equal(t, task.StatusCompleted, p.Status)
}

func TestAnalysisFilterMatchingNothingFails(t *testing.T) {
	h := newHarness(t)
	succeedAll(h.gen)
	ctx := context.Background()

	p, err := h.machine.Create(ctx, CreateRequest{Config: Config{
		Generation: GenerationConfig{Models: []string{"m1"}, Templates: []string{"t1"}},
		Analysis:   AnalysisConfig{Filter: `template == "nope"`},
	}})
	require.NoError(t, err)
	_, err = h.machine.Start(ctx, p.PipelineID)
	require.NoError(t, err)

	p = h.drive(t, h.machine, p.PipelineID)
	require.Equal(t, task.StatusFailed, p.Status)
	require.Contains(t, p.ErrorMessage, "analysis filter")
}

func TestInvalidAnalysisFilterIsRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Create(context.Background(), CreateRequest{Config: Config{
		Generation: GenerationConfig{Models: []string{"m1"}, Templates: []string{"t1"}},
		Analysis:   AnalysisConfig{Filter: `app_number +`},
	}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

// cancellingTasks cancels the pipeline around the first task creation.
type cancellingTasks struct {
	*task.Store
	machine     *Machine
	pipelineID  string
	afterCreate bool
	once        sync.Once
}

func (c *cancellingTasks) CreateMainTaskWithSubtasks(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	cancel := func() {
		c.once.Do(func() {
			_, _ = c.machine.Cancel(ctx, c.pipelineID, "operator request")
		})
	}
	if !c.afterCreate {
		cancel()
	}
	t, err := c.Store.CreateMainTaskWithSubtasks(ctx, req)
	if c.afterCreate {
		cancel()
	}
	return t, err
}

func TestCancelDuringTaskCreationLeavesNoPendingTasks(t *testing.T) {
	for _, afterCreate := range []bool{false, true} {
		h := newHarness(t)
		succeedAll(h.gen)
		p := h.started(t, []string{"m1"}, []string{"t1", "t2"})

		// finish generation without creating analysis tasks
		for i := 0; i < 2; i++ {
			_, err := h.machine.Advance(context.Background(), p.PipelineID)
			require.NoError(t, err)
		}

		tasks := &cancellingTasks{Store: h.tasks, pipelineID: p.PipelineID, afterCreate: afterCreate}
		m := NewMachine(Deps{
			Store:      h.store,
			Tasks:      tasks,
			Canceller:  h.tasks,
			Generator:  h.gen,
			Publisher:  h.events,
			Clock:      h.clock,
			IDs:        h.ids,
			Services:   []string{"static-analyzer", "ai-analyzer"},
			MaxRetries: 2,
		})
		tasks.machine = m

		p = h.drive(t, m, p.PipelineID)
		require.Equal(t, task.StatusCancelled, p.Status)

		created, _, err := h.tasks.List(context.Background(), task.ListFilter{BatchID: p.PipelineID, MainOnly: true}, pagination.Pagination{})
		require.NoError(t, err)
		require.Len(t, created, 2)
		for _, tk := range created {
			require.Equal(t, task.StatusCancelled, tk.Status, "task %s after cancel (afterCreate=%v)", tk.TaskID, afterCreate)
		}
	}
}
