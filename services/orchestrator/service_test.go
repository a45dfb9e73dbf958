package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	pkgasynq "appbench-orchestrator/pkg/asynq"
	"appbench-orchestrator/pkg/config"
	"appbench-orchestrator/pkg/db/pagination"
	"appbench-orchestrator/pkg/featureflags"
	"appbench-orchestrator/services/aggregator"
	"appbench-orchestrator/services/analyzer"
	"appbench-orchestrator/services/dispatcher"
	"appbench-orchestrator/services/events"
	"appbench-orchestrator/services/pipeline"
	"appbench-orchestrator/services/task"
	"appbench-orchestrator/services/testutil"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type enqueuerMock struct {
	mock.Mock
}

func (e *enqueuerMock) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := e.Called(t.Type(), string(t.Payload()))
	return &asynq.TaskInfo{ID: "q-1", Queue: pkgasynq.QueueCritical}, args.Error(0)
}

func newService(t *testing.T, enq pkgasynq.Enqueuer) (*Service, *task.Store) {
	return newServiceWithFlags(t, enq, nil)
}

func newServiceWithFlags(t *testing.T, enq pkgasynq.Enqueuer, flags featureflags.FeatureFlag) (*Service, *task.Store) {
	t.Helper()
	db := testutil.NewTestDB(t, append(task.Models(), &pipeline.Pipeline{})...)
	clk := testutil.NewMockClock()
	ids := &testutil.SeqIDs{}

	cfg := config.Default()
	cfg.Orchestrator.MaxRetries = 1
	registry := analyzer.NewRegistry(map[string]config.Analyzer{
		"static-analyzer": {URL: "ws://127.0.0.1:1"},
		"ai-analyzer":     {URL: "ws://127.0.0.1:2"},
	}, nil)

	tasks := task.NewStore(db, clk, registry, ids)
	dir := t.TempDir()
	finalizer := dispatcher.NewFinalizer(tasks,
		aggregator.New(aggregator.NewFileBlobStore(dir)),
		aggregator.NewResultWriter(dir, clk),
		events.NopPublisher{}, clk)
	machine := pipeline.NewMachine(pipeline.Deps{
		Store:     pipeline.NewStore(db, clk),
		Tasks:     tasks,
		Canceller: tasks,
		Clock:     clk,
		IDs:       ids,
		Services:  registry.Names(),
	})

	return NewService(Deps{
		Config:    cfg,
		Tasks:     tasks,
		Finalizer: finalizer,
		Pipelines: machine,
		Registry:  registry,
		Enqueuer:  enq,
		Flags:     flags,
	}), tasks
}

func TestTriggerAnalysisDefaultsToEveryService(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	main, created, err := svc.TriggerAnalysis(ctx, TriggerRequest{Model: "gpt-x", AppNumber: 3, BatchID: "b1"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 1, main.MaxRetries)

	view, err := svc.Task(ctx, main.TaskID)
	require.NoError(t, err)
	require.Len(t, view.Subtasks, 2)
	require.Equal(t, "ai-analyzer", view.Subtasks[0].ServiceName)

	again, created, err := svc.TriggerAnalysis(ctx, TriggerRequest{Model: "gpt-x", AppNumber: 3, BatchID: "b1"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, main.TaskID, again.TaskID)

	_, _, err = svc.TriggerAnalysis(ctx, TriggerRequest{Model: "gpt-x", AppNumber: 3, Priority: "asap"})
	require.ErrorIs(t, err, task.ErrConfig)

	_, _, err = svc.TriggerAnalysis(ctx, TriggerRequest{Model: "gpt-x", AppNumber: 3, Services: []string{"fuzzer"}})
	require.ErrorIs(t, err, task.ErrConfig)
}

func TestCancelTaskWithoutQueueGoesToStore(t *testing.T) {
	svc, tasks := newService(t, nil)
	ctx := context.Background()

	main, _, err := svc.TriggerAnalysis(ctx, TriggerRequest{Model: "m", AppNumber: 1})
	require.NoError(t, err)
	require.NoError(t, svc.CancelTask(ctx, main.TaskID, "operator"))

	got, err := tasks.Get(ctx, main.TaskID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, got.Status)

	_, err = svc.Task(ctx, "404")
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestCommandsAreEnqueuedWhenQueueIsAvailable(t *testing.T) {
	enq := &enqueuerMock{}
	svc, tasks := newService(t, enq)
	ctx := context.Background()

	main, _, err := svc.TriggerAnalysis(ctx, TriggerRequest{Model: "m", AppNumber: 1})
	require.NoError(t, err)

	cancelBody, _ := json.Marshal(pkgasynq.TaskPayload{TaskID: main.TaskID, Reason: "stop"})
	enq.On("Enqueue", pkgasynq.TypeTaskCancel, string(cancelBody)).Return(nil).Once()
	require.NoError(t, svc.CancelTask(ctx, main.TaskID, "stop"))

	got, err := tasks.Get(ctx, main.TaskID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)

	p, err := svc.CreatePipeline(ctx, "nightly", pipeline.Config{
		Generation: pipeline.GenerationConfig{Models: []string{"m"}, Templates: []string{"t"}},
	})
	require.NoError(t, err)
	startBody, _ := json.Marshal(pkgasynq.PipelinePayload{PipelineID: p.PipelineID})
	enq.On("Enqueue", pkgasynq.TypePipelineStart, string(startBody)).Return(nil).Once()
	require.NoError(t, svc.StartPipeline(ctx, p.PipelineID))

	err = svc.StartPipeline(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	enq.AssertExpectations(t)
}

func TestSubmitAnalysisAndReaggregateUseQueue(t *testing.T) {
	enq := &enqueuerMock{}
	svc, tasks := newService(t, enq)
	ctx := context.Background()

	req := TriggerRequest{Model: "m", AppNumber: 4, Priority: "high", BatchID: "b1"}
	body, _ := json.Marshal(pkgasynq.AnalysisTriggerPayload{Model: "m", AppNumber: 4, Priority: "high", BatchID: "b1"})
	enq.On("Enqueue", pkgasynq.TypeAnalysisTrigger, string(body)).Return(nil).Once()
	require.NoError(t, svc.SubmitAnalysis(ctx, req))

	listed, _, err := tasks.List(ctx, task.ListFilter{MainOnly: true}, pagination.Pagination{})
	require.NoError(t, err)
	require.Empty(t, listed)

	err = svc.SubmitAnalysis(ctx, TriggerRequest{Model: "m", AppNumber: 4, Priority: "asap"})
	require.ErrorIs(t, err, task.ErrConfig)

	main, _, err := svc.TriggerAnalysis(ctx, TriggerRequest{Model: "m", AppNumber: 5})
	require.NoError(t, err)
	reaggBody, _ := json.Marshal(pkgasynq.TaskPayload{TaskID: main.TaskID})
	enq.On("Enqueue", pkgasynq.TypeTaskReaggregate, string(reaggBody)).Return(nil).Once()
	require.NoError(t, svc.RequestReaggregate(ctx, main.TaskID))

	require.ErrorIs(t, svc.RequestReaggregate(ctx, "404"), task.ErrNotFound)
	enq.AssertExpectations(t)
}

func TestSubmitAnalysisWithoutQueueCreatesTask(t *testing.T) {
	svc, tasks := newService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.SubmitAnalysis(ctx, TriggerRequest{Model: "m", AppNumber: 1}))
	listed, _, err := tasks.List(ctx, task.ListFilter{MainOnly: true}, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.ErrorIs(t, svc.RequestReaggregate(ctx, listed[0].TaskID), task.ErrConflict)
}

func TestPipelineLifecycleWithoutQueue(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	p, err := svc.CreatePipeline(ctx, "", pipeline.Config{
		Generation: pipeline.GenerationConfig{Models: []string{"m"}, Templates: []string{"t"}},
	})
	require.NoError(t, err)
	require.NoError(t, svc.StartPipeline(ctx, p.PipelineID))

	got, err := svc.Pipeline(ctx, p.PipelineID)
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, got.Status)

	require.NoError(t, svc.CancelPipeline(ctx, p.PipelineID, "done for today"))
	got, err = svc.Pipeline(ctx, p.PipelineID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, got.Status)
}

func TestReaggregateRejectsRunningTask(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	main, _, err := svc.TriggerAnalysis(ctx, TriggerRequest{Model: "m", AppNumber: 1})
	require.NoError(t, err)
	_, err = svc.Reaggregate(ctx, main.TaskID)
	require.ErrorIs(t, err, task.ErrConflict)
}

func TestTriggerAnalysisSkipsFlaggedOffServices(t *testing.T) {
	svc, _ := newServiceWithFlags(t, nil, featureflags.Static{featureflags.AnalyzerFlag("ai-analyzer"): false})
	ctx := context.Background()

	main, _, err := svc.TriggerAnalysis(ctx, TriggerRequest{Model: "m", AppNumber: 1})
	require.NoError(t, err)
	view, err := svc.Task(ctx, main.TaskID)
	require.NoError(t, err)
	require.Len(t, view.Subtasks, 1)
	require.Equal(t, "static-analyzer", view.Subtasks[0].ServiceName)

	// explicit selection ignores flags
	main, _, err = svc.TriggerAnalysis(ctx, TriggerRequest{Model: "m", AppNumber: 2, Services: []string{"ai-analyzer"}})
	require.NoError(t, err)
	view, err = svc.Task(ctx, main.TaskID)
	require.NoError(t, err)
	require.Len(t, view.Subtasks, 1)
}

func TestListTasksFiltersByBatch(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	for app := 1; app <= 3; app++ {
		_, _, err := svc.TriggerAnalysis(ctx, TriggerRequest{Model: "m", AppNumber: app, BatchID: "b1"})
		require.NoError(t, err)
	}
	_, _, err := svc.TriggerAnalysis(ctx, TriggerRequest{Model: "m", AppNumber: 1, BatchID: "b2"})
	require.NoError(t, err)

	tasks, info, err := svc.ListTasks(ctx, "pending", "b1", pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.False(t, info.HasMore)
	for _, tk := range tasks {
		require.True(t, tk.IsMainTask)
	}

	_, _, err = svc.ListTasks(ctx, "sleeping", "", pagination.Pagination{})
	require.ErrorIs(t, err, task.ErrConfig)
}
