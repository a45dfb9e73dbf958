package task

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"appbench-orchestrator/services/testutil"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	db := testutil.NewTestDB(t)
	clk := testutil.NewMockClock()
	s := NewStore(db, clk, testutil.NewCatalog(testutil.DefaultServices...), &testutil.SeqIDs{})
	require.NoError(t, s.Migrate(context.Background()))
	return s, clk
}

func createTask(t *testing.T, s *Store, model string, app int, p Priority) *Task {
	t.Helper()
	main, err := s.CreateMainTaskWithSubtasks(context.Background(), CreateRequest{
		Model:      model,
		AppNumber:  app,
		Services:   testutil.DefaultServices,
		Priority:   p,
		MaxRetries: 2,
	})
	require.NoError(t, err)
	return main
}

func TestStore_CreateMainTaskWithSubtasks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	main, err := s.CreateMainTaskWithSubtasks(ctx, CreateRequest{
		Model:     "openai_gpt-4o",
		AppNumber: 3,
		Services:  []string{"static-analyzer", "ai-analyzer", "static-analyzer"},
		Tools:     map[string][]string{"static-analyzer": {"bandit", "eslint"}},
	})
	require.NoError(t, err)
	require.True(t, main.IsMainTask)
	require.Equal(t, StatusPending, main.Status)
	require.Equal(t, PriorityNormal, main.Priority)
	require.Equal(t, time.UTC, main.CreatedAt.Location())

	subs, err := s.Subtasks(ctx, main.TaskID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, "ai-analyzer", subs[0].ServiceName)
	require.Nil(t, subs[0].ToolList())
	require.Equal(t, "static-analyzer", subs[1].ServiceName)
	require.Equal(t, []string{"bandit", "eslint"}, subs[1].ToolList())
	for _, sub := range subs {
		require.False(t, sub.IsMainTask)
		require.Equal(t, main.TaskID, *sub.ParentTaskID)
		require.Equal(t, StatusPending, sub.Status)
	}
}

func TestStore_CreateRejectsBadServiceSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateMainTaskWithSubtasks(ctx, CreateRequest{Model: "m", AppNumber: 1})
	require.ErrorIs(t, err, ErrConfig)

	_, err = s.CreateMainTaskWithSubtasks(ctx, CreateRequest{Model: "m", AppNumber: 1, Services: []string{"static-analyzer", "fuzzer"}})
	require.ErrorIs(t, err, ErrConfig)

	var count int64
	require.NoError(t, s.db.Model(&Task{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestStore_CreateDeduplicatesBatchRequests(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	req := CreateRequest{Model: "m", AppNumber: 1, Services: []string{"static-analyzer"}, BatchID: "pipe-1"}

	first, err := s.CreateMainTaskWithSubtasks(ctx, req)
	require.NoError(t, err)

	second, err := s.CreateMainTaskWithSubtasks(ctx, req)
	require.ErrorIs(t, err, ErrDuplicate)
	require.Equal(t, first.TaskID, second.TaskID)

	req.AppNumber = 2
	third, err := s.CreateMainTaskWithSubtasks(ctx, req)
	require.NoError(t, err)
	require.NotEqual(t, first.TaskID, third.TaskID)
}

func TestStore_ClaimNextOrdersByPriorityThenAge(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	low := createTask(t, s, "m", 1, PriorityLow)
	clk.Add(time.Second)
	normalOld := createTask(t, s, "m", 2, PriorityNormal)
	clk.Add(time.Second)
	urgent := createTask(t, s, "m", 3, PriorityUrgent)
	clk.Add(time.Second)
	normalNew := createTask(t, s, "m", 4, PriorityNormal)

	claimed, err := s.ClaimNext(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.Equal(t, urgent.TaskID, claimed[0].TaskID)
	require.Equal(t, normalOld.TaskID, claimed[1].TaskID)
	require.Equal(t, normalNew.TaskID, claimed[2].TaskID)
	for _, c := range claimed {
		require.Equal(t, StatusRunning, c.Status)
		require.NotEmpty(t, c.ClaimToken)
	}

	got, err := s.Get(ctx, low.TaskID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestStore_ClaimNextRespectsConcurrencyCap(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		createTask(t, s, "m", i, PriorityNormal)
	}

	const maxConcurrent = 3
	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		errs    []error
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tasks, err := s.ClaimNext(ctx, 2, maxConcurrent)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			for _, tk := range tasks {
				claimed[tk.TaskID]++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)

	require.Len(t, claimed, maxConcurrent)
	for id, n := range claimed {
		require.Equal(t, 1, n, "task %s claimed twice", id)
	}

	running, err := s.CountRunningMain(ctx)
	require.NoError(t, err)
	require.EqualValues(t, maxConcurrent, running)

	more, err := s.ClaimNext(ctx, 5, maxConcurrent)
	require.NoError(t, err)
	require.Empty(t, more)
}

func TestStore_ClaimNextNeverReturnsSubtasks(t *testing.T) {
	s, _ := newTestStore(t)
	createTask(t, s, "m", 1, PriorityNormal)

	claimed, err := s.ClaimNext(context.Background(), 10, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.True(t, claimed[0].IsMainTask)
}

func TestStore_TransitionGuardsCurrentStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	main := createTask(t, s, "m", 1, PriorityNormal)

	require.NoError(t, s.Transition(ctx, main.TaskID, StatusPending, StatusRunning))
	err := s.Transition(ctx, main.TaskID, StatusPending, StatusRunning)
	require.ErrorIs(t, err, ErrConflict)

	err = s.Transition(ctx, main.TaskID, StatusCompleted, StatusRunning)
	require.ErrorIs(t, err, ErrInvalidTransition)

	err = s.Transition(ctx, "missing", StatusPending, StatusRunning)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LateResultAfterCancelIsDiscarded(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	main := createTask(t, s, "m", 1, PriorityNormal)

	claimed, err := s.ClaimNext(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	token := claimed[0].ClaimToken

	subs, err := s.StartSubtasks(ctx, main.TaskID, token)
	require.NoError(t, err)
	require.Len(t, subs, 4)

	clk.Add(time.Minute)
	cancelled, err := s.Cancel(ctx, main.TaskID, "operator request")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	cancelledAt := *cancelled.CompletedAt

	clk.Add(time.Minute)
	err = s.CompleteSubtask(ctx, subs[0].TaskID, token, StatusCompleted, json.RawMessage(`{"results":{}}`), "")
	require.ErrorIs(t, err, ErrConflict)
	err = s.FinalizeMain(ctx, main.TaskID, token, StatusCompleted, json.RawMessage(`{}`), "")
	require.ErrorIs(t, err, ErrConflict)

	got, err := s.Get(ctx, main.TaskID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.True(t, cancelledAt.Equal(*got.CompletedAt))
	require.Empty(t, got.ResultPayload)

	sub, err := s.Get(ctx, subs[0].TaskID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, sub.Status)
	require.Empty(t, sub.RawPayload)

	again, err := s.Cancel(ctx, main.TaskID, "twice")
	require.NoError(t, err)
	require.True(t, cancelledAt.Equal(*again.CompletedAt))
}

func TestStore_CancelFinishedTaskConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	main := createTask(t, s, "m", 1, PriorityNormal)

	claimed, err := s.ClaimNext(ctx, 1, 1)
	require.NoError(t, err)
	require.NoError(t, s.FinalizeMain(ctx, main.TaskID, claimed[0].ClaimToken, StatusFailed, json.RawMessage(`{}`), "boom"))

	_, err = s.Cancel(ctx, main.TaskID, "late")
	require.ErrorIs(t, err, ErrConflict)
}

func TestStore_RecordAttemptFailureCounts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	main := createTask(t, s, "m", 1, PriorityNormal)
	claimed, err := s.ClaimNext(ctx, 1, 1)
	require.NoError(t, err)
	subs, err := s.StartSubtasks(ctx, main.TaskID, claimed[0].ClaimToken)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := s.RecordAttemptFailure(ctx, subs[0].TaskID, claimed[0].ClaimToken, "connection refused")
		require.NoError(t, err)
		require.Equal(t, want, n)
	}

	_, err = s.RecordAttemptFailure(ctx, subs[0].TaskID, "stale-token", "x")
	require.ErrorIs(t, err, ErrConflict)
}

func TestStore_ResetStuckRequeuesIdleTasks(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	idle := createTask(t, s, "m", 1, PriorityNormal)
	busy := createTask(t, s, "m", 2, PriorityNormal)

	claimed, err := s.ClaimNext(ctx, 2, 2)
	require.NoError(t, err)
	tokens := map[string]string{}
	for _, c := range claimed {
		tokens[c.TaskID] = c.ClaimToken
		_, err := s.StartSubtasks(ctx, c.TaskID, c.ClaimToken)
		require.NoError(t, err)
	}

	clk.Add(20 * time.Minute)
	busySubs, err := s.Subtasks(ctx, busy.TaskID)
	require.NoError(t, err)
	require.NoError(t, s.Touch(ctx, busySubs[0].TaskID, tokens[busy.TaskID], 40))

	clk.Add(15 * time.Minute)
	reset, err := s.ResetStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{idle.TaskID}, reset)

	got, err := s.Get(ctx, idle.TaskID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	subs, err := s.Subtasks(ctx, idle.TaskID)
	require.NoError(t, err)
	for _, sub := range subs {
		require.Equal(t, StatusPending, sub.Status)
	}

	// The old execution can no longer write.
	err = s.CompleteSubtask(ctx, subs[0].TaskID, tokens[idle.TaskID], StatusCompleted, nil, "")
	require.ErrorIs(t, err, ErrConflict)

	got, err = s.Get(ctx, busy.TaskID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
}

func TestStore_HeartbeatKeepsProgressAndChecksClaim(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	main := createTask(t, s, "m", 1, PriorityNormal)

	claimed, err := s.ClaimNext(ctx, 1, 1)
	require.NoError(t, err)
	token := claimed[0].ClaimToken
	subs, err := s.StartSubtasks(ctx, main.TaskID, token)
	require.NoError(t, err)
	require.NoError(t, s.Touch(ctx, subs[0].TaskID, token, 40))

	clk.Add(25 * time.Minute)
	require.NoError(t, s.Heartbeat(ctx, subs[0].TaskID, token))
	clk.Add(25 * time.Minute)

	reset, err := s.ResetStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Empty(t, reset)

	got, err := s.Get(ctx, subs[0].TaskID)
	require.NoError(t, err)
	require.Equal(t, 40.0, got.ProgressPercentage)
	require.Equal(t, clk.Now().Add(-25*time.Minute).Unix(), got.LastActivityAt.Unix())

	err = s.Heartbeat(ctx, subs[0].TaskID, "stale-token")
	require.ErrorIs(t, err, ErrConflict)
}

func TestStore_StoreAggregateSkipsCancelled(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	main := createTask(t, s, "m", 1, PriorityNormal)
	_, err := s.Cancel(ctx, main.TaskID, "stop")
	require.NoError(t, err)

	err = s.StoreAggregate(ctx, main.TaskID, json.RawMessage(`{"x":1}`))
	require.ErrorIs(t, err, ErrConflict)
}

func TestStore_UnknownStatusRejectedOnRead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	main := createTask(t, s, "m", 1, PriorityNormal)

	require.NoError(t, s.db.Exec("UPDATE analysis_tasks SET status = 'done' WHERE task_id = ?", main.TaskID).Error)
	_, err := s.Get(ctx, main.TaskID)
	require.Error(t, err)
}
