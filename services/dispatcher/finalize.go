package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"appbench-orchestrator/pkg/errutil"
	"appbench-orchestrator/services/aggregator"
	"appbench-orchestrator/services/events"
	"appbench-orchestrator/services/task"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

var ErrNotReady = errors.New("subtasks still running")

// Finalizer turns the terminal subtasks of a main task into the main task's
// terminal status and unified result.
type Finalizer struct {
	store      *task.Store
	aggregator *aggregator.Aggregator
	writer     *aggregator.ResultWriter
	events     events.Publisher
	clock      clock.Clock
}

func NewFinalizer(store *task.Store, agg *aggregator.Aggregator, writer *aggregator.ResultWriter, pub events.Publisher, clk clock.Clock) *Finalizer {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Finalizer{store: store, aggregator: agg, writer: writer, events: pub, clock: clk}
}

// Finalize derives the main task status from its subtasks, aggregates their
// payloads and commits both under the claim token. A main task that is no
// longer claimed with token is left untouched and its current status is
// returned.
func (f *Finalizer) Finalize(ctx context.Context, mainID, token string) (task.Status, error) {
	family, err := f.store.Family(ctx, mainID)
	if err != nil {
		return "", err
	}
	main, ok := family.Get(mainID)
	if !ok {
		return "", errutil.NotFound("task not found", task.ErrNotFound)
	}
	log := zap.L().With(zap.String("task_id", mainID))

	if main.Status != task.StatusRunning || main.ClaimToken != token {
		log.Info("task changed before finalize", zap.String("status", main.Status.String()))
		return main.Status, nil
	}
	if !family.AllChildrenTerminal(mainID) {
		return "", errutil.Conflict("cannot finalize task with running subtasks", ErrNotReady, errutil.WithDetail("task_id", mainID))
	}

	children := family.Children(mainID)
	status := task.DeriveMainStatus(false, family.ChildStatuses(mainID))
	message := failureSummary(children)

	var payload []byte
	doc, err := f.aggregator.Aggregate(ctx, main, children, status)
	if err == nil {
		payload, err = doc.Marshal()
	}
	if err != nil {
		log.Error("aggregation failed, finalizing without result", zap.Error(err))
		message = strings.TrimPrefix(message+"; aggregation failed: "+err.Error(), "; ")
		doc, payload = nil, nil
	}

	if err := f.store.FinalizeMain(ctx, mainID, token, status, payload, message); err != nil {
		if errors.Is(err, task.ErrConflict) {
			log.Info("task changed during finalize, discarding result", zap.Error(err))
			current, gerr := f.store.Get(ctx, mainID)
			if gerr != nil {
				return "", gerr
			}
			return current.Status, nil
		}
		return "", err
	}
	log.Info("task finalized", zap.String("status", status.String()))

	if doc != nil && f.writer != nil {
		if _, _, err := f.writer.Write(doc); err != nil {
			log.Error("failed to write result file", zap.Error(err))
		}
	}

	f.publish(ctx, main, status, doc)
	return status, nil
}

func (f *Finalizer) publish(ctx context.Context, main task.Task, status task.Status, doc *aggregator.Document) {
	data := map[string]any{
		"model":      main.TargetModel,
		"app_number": main.TargetAppNumber,
	}
	if main.BatchID != "" {
		data["batch_id"] = main.BatchID
	}
	if doc != nil {
		data["total_findings"] = doc.Results.Summary.TotalFindings
		data["tools_executed"] = doc.Results.Summary.ToolsExecuted
	}
	err := f.events.Publish(ctx, events.Event{
		Type:       events.TypeTaskFinalized,
		Subject:    main.TaskID,
		Status:     status.String(),
		OccurredAt: f.clock.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		zap.L().Warn("task event not published", zap.String("task_id", main.TaskID), zap.Error(err))
	}
}

// Reaggregate recomputes the result of a finished main task from the raw
// payloads stored on its subtasks. The status is kept as is.
func (f *Finalizer) Reaggregate(ctx context.Context, mainID string) (*aggregator.Document, error) {
	family, err := f.store.Family(ctx, mainID)
	if err != nil {
		return nil, err
	}
	main, ok := family.Get(mainID)
	if !ok || !main.IsMainTask {
		return nil, errutil.NotFound("main task not found", task.ErrNotFound, errutil.WithDetail("task_id", mainID))
	}
	if !main.Status.IsTerminal() || main.Status == task.StatusCancelled {
		return nil, errutil.Conflict(fmt.Sprintf("cannot re-aggregate a %s task", main.Status), task.ErrConflict,
			errutil.WithDetail("task_id", mainID))
	}

	doc, err := f.aggregator.Aggregate(ctx, main, family.Children(mainID), main.Status)
	if err != nil {
		return nil, err
	}
	payload, err := doc.Marshal()
	if err != nil {
		return nil, err
	}
	if err := f.store.StoreAggregate(ctx, mainID, payload); err != nil {
		return nil, err
	}
	if f.writer != nil {
		if _, err := f.writer.Rewrite(doc); err != nil {
			zap.L().Error("failed to rewrite result file", zap.String("task_id", mainID), zap.Error(err))
		}
	}
	zap.L().Info("task re-aggregated", zap.String("task_id", mainID), zap.Int("total_findings", doc.Results.Summary.TotalFindings))
	return doc, nil
}

// failureSummary lists the failed services of a main task.
func failureSummary(children []task.Task) string {
	var parts []string
	for _, c := range children {
		if c.Status != task.StatusFailed {
			continue
		}
		msg := c.ErrorMessage
		if msg == "" {
			msg = "failed"
		}
		parts = append(parts, c.ServiceName+": "+msg)
	}
	return strings.Join(parts, "; ")
}
