package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"appbench-orchestrator/pkg/errutil"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ServiceCatalog knows which analyzer services exist.
type ServiceCatalog interface {
	Has(name string) bool
}

type IDGenerator interface {
	Next() string
}

// Store is the single mutator of Task records. Every status change goes
// through a conditional UPDATE whose row count decides the winner.
type Store struct {
	db       *gorm.DB
	clock    clock.Clock
	catalog  ServiceCatalog
	ids      IDGenerator
	newToken func() string
}

func NewStore(db *gorm.DB, clk clock.Clock, catalog ServiceCatalog, ids IDGenerator) *Store {
	return &Store{
		db:       db,
		clock:    clk,
		catalog:  catalog,
		ids:      ids,
		newToken: uuid.NewString,
	}
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// Migrate creates the task tables and seeds the claim lease row.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&claimLease{ID: claimLeaseID, ClaimedAt: s.now()}).Error
}

// CreateMainTaskWithSubtasks inserts one main task plus one subtask per
// service in a single transaction. When the request carries a batch id and a
// task with the same dedupe key already exists, the existing main task is
// returned together with ErrDuplicate.
func (s *Store) CreateMainTaskWithSubtasks(ctx context.Context, req CreateRequest) (*Task, error) {
	services, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	kind := req.AnalysisKind
	if kind == "" {
		kind = DefaultAnalysisKind
	}

	dedupeKey := req.DedupeKey()
	if dedupeKey != nil {
		if existing, err := s.findByDedupeKey(ctx, *dedupeKey); err == nil {
			return existing, duplicate(existing.TaskID)
		}
	}

	now := s.now()
	main := Task{
		TaskID:          s.ids.Next(),
		IsMainTask:      true,
		TargetModel:     req.Model,
		TargetAppNumber: req.AppNumber,
		AnalysisKind:    kind,
		Status:          StatusPending,
		Priority:        priority,
		MaxRetries:      req.MaxRetries,
		BatchID:         req.BatchID,
		DedupeKey:       dedupeKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	subtasks := make([]Task, 0, len(services))
	for _, name := range services {
		var tools datatypes.JSON
		if list, ok := req.Tools[name]; ok && len(list) > 0 {
			tools, _ = json.Marshal(list)
		}
		parent := main.TaskID
		subtasks = append(subtasks, Task{
			TaskID:          s.ids.Next(),
			ParentTaskID:    &parent,
			ServiceName:     name,
			TargetModel:     req.Model,
			TargetAppNumber: req.AppNumber,
			AnalysisKind:    kind,
			Status:          StatusPending,
			Priority:        priority,
			MaxRetries:      req.MaxRetries,
			Tools:           tools,
			BatchID:         req.BatchID,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&main).Error; err != nil {
			return err
		}
		return tx.Create(&subtasks).Error
	})
	if err != nil {
		// A concurrent creator may have won the unique dedupe key.
		if dedupeKey != nil {
			if existing, findErr := s.findByDedupeKey(ctx, *dedupeKey); findErr == nil {
				return existing, duplicate(existing.TaskID)
			}
		}
		return nil, errutil.Internal("failed to create task", err)
	}

	zap.L().Info("created analysis task",
		zap.String("task_id", main.TaskID),
		zap.String("model", req.Model),
		zap.Int("app_number", req.AppNumber),
		zap.Strings("services", services),
		zap.String("batch_id", req.BatchID),
	)
	return &main, nil
}

func (s *Store) validate(req CreateRequest) ([]string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, configError("model", "model is required")
	}
	if req.AppNumber <= 0 {
		return nil, configError("app_number", "app number must be positive")
	}
	if req.MaxRetries < 0 {
		return nil, configError("max_retries", "max retries must not be negative")
	}
	if len(req.Services) == 0 {
		return nil, configError("services", "at least one analyzer service is required")
	}

	seen := make(map[string]bool, len(req.Services))
	services := make([]string, 0, len(req.Services))
	for _, name := range req.Services {
		if seen[name] {
			continue
		}
		if s.catalog == nil || !s.catalog.Has(name) {
			return nil, configError("services", fmt.Sprintf("unknown analyzer service %q", name))
		}
		seen[name] = true
		services = append(services, name)
	}
	return services, nil
}

func duplicate(taskID string) error {
	return errutil.Wrap(errutil.StatusConflict, ErrDuplicate, "task already exists for dedupe key", nil, errutil.WithDetail("task_id", taskID))
}

func (s *Store) findByDedupeKey(ctx context.Context, key string) (*Task, error) {
	var t Task
	err := s.db.WithContext(ctx).Where("dedupe_key = ?", key).Take(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(taskID)
	}
	if err != nil {
		return nil, errutil.Internal("failed to load task", err)
	}
	return &t, nil
}

// Subtasks returns the subtasks of mainID ordered by service name.
func (s *Store) Subtasks(ctx context.Context, mainID string) ([]Task, error) {
	var subs []Task
	err := s.db.WithContext(ctx).
		Where("parent_task_id = ?", mainID).
		Order("service_name ASC").
		Find(&subs).Error
	if err != nil {
		return nil, errutil.Internal("failed to load subtasks", err)
	}
	return subs, nil
}

// Family loads a main task and its subtasks into a fresh arena.
func (s *Store) Family(ctx context.Context, mainID string) (*Arena, error) {
	main, err := s.Get(ctx, mainID)
	if err != nil {
		return nil, err
	}
	if !main.IsMainTask {
		return nil, configError("task_id", "task is not a main task")
	}
	subs, err := s.Subtasks(ctx, mainID)
	if err != nil {
		return nil, err
	}
	return NewArena(append([]Task{*main}, subs...)), nil
}

// Statuses returns the status of each listed task id that exists.
func (s *Store) Statuses(ctx context.Context, ids []string) (map[string]Status, error) {
	out := make(map[string]Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		TaskID string
		Status Status
	}
	err := s.db.WithContext(ctx).Model(&Task{}).
		Select("task_id", "status").
		Where("task_id IN ?", ids).
		Find(&rows).Error
	if err != nil {
		return nil, errutil.Internal("failed to load task statuses", err)
	}
	for _, r := range rows {
		out[r.TaskID] = r.Status
	}
	return out, nil
}

func (s *Store) ListMainByStatus(ctx context.Context, status Status, limit int) ([]Task, error) {
	var tasks []Task
	q := s.db.WithContext(ctx).
		Where("is_main_task = ? AND status = ?", true, status).
		Order(priorityOrder).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&tasks).Error; err != nil {
		return nil, errutil.Internal("failed to list tasks", err)
	}
	return tasks, nil
}

func (s *Store) CountRunningMain(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Task{}).
		Where("is_main_task = ? AND status = ?", true, StatusRunning).
		Count(&n).Error
	return n, err
}

// ClaimNext moves up to limit pending main tasks to running, highest priority
// first then oldest, without letting the number of running main tasks exceed
// maxConcurrent. The running count is taken inside the claim transaction, so
// concurrent callers never observe a stale count. Every claimed task gets a
// fresh claim token that guards all later writes for this execution.
func (s *Store) ClaimNext(ctx context.Context, limit int, maxConcurrent int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	if maxConcurrent <= 0 {
		return nil, configError("max_concurrent_tasks", "max concurrent tasks must be positive")
	}

	now := s.now()
	var claimed []Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lease := tx.Model(&claimLease{}).Where("id = ?", claimLeaseID).Update("claimed_at", now)
		if lease.Error != nil {
			return lease.Error
		}
		if lease.RowsAffected == 0 {
			if err := tx.Create(&claimLease{ID: claimLeaseID, ClaimedAt: now}).Error; err != nil {
				return err
			}
		}

		var running int64
		if err := tx.Model(&Task{}).
			Where("is_main_task = ? AND status = ?", true, StatusRunning).
			Count(&running).Error; err != nil {
			return err
		}

		slots := maxConcurrent - int(running)
		if slots <= 0 {
			return nil
		}
		if limit < slots {
			slots = limit
		}

		var candidates []Task
		if err := tx.Where("is_main_task = ? AND status = ?", true, StatusPending).
			Order(priorityOrder).Order("created_at ASC").Order("task_id ASC").
			Limit(slots).
			Find(&candidates).Error; err != nil {
			return err
		}

		for _, c := range candidates {
			token := s.newToken()
			res := tx.Model(&Task{}).
				Where("task_id = ? AND status = ?", c.TaskID, StatusPending).
				Updates(map[string]any{
					"status":           StatusRunning,
					"claim_token":      token,
					"started_at":       gorm.Expr("COALESCE(started_at, ?)", now),
					"last_activity_at": now,
					"updated_at":       now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				continue
			}
			c.Status = StatusRunning
			c.ClaimToken = token
			if c.StartedAt == nil {
				c.StartedAt = &now
			}
			c.LastActivityAt = &now
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, errutil.Internal("failed to claim tasks", err)
	}
	return claimed, nil
}

// Transition moves taskID from one status to another. It fails with
// ErrConflict when the stored status is not from.
func (s *Store) Transition(ctx context.Context, taskID string, from, to Status) error {
	if !from.CanTransition(to) {
		return errutil.Wrap(errutil.StatusUnprocessableEntity, ErrInvalidTransition,
			fmt.Sprintf("cannot move task from %s to %s", from, to), nil, errutil.WithDetail("task_id", taskID))
	}

	now := s.now()
	updates := map[string]any{"status": to, "updated_at": now}
	if to == StatusRunning {
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
		updates["last_activity_at"] = now
	}
	if to.IsTerminal() {
		updates["completed_at"] = now
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status = ?", taskID, from).
		Updates(updates)
	if res.Error != nil {
		return errutil.Internal("failed to transition task", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.explainMiss(ctx, taskID, from)
	}
	return nil
}

func (s *Store) explainMiss(ctx context.Context, taskID string, expected Status) error {
	current, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return conflict(taskID, fmt.Sprintf("task is %s, expected %s", current.Status, expected))
}

// StartSubtasks moves the pending subtasks of a claimed main task to running
// under the main task's claim token and returns every subtask.
func (s *Store) StartSubtasks(ctx context.Context, mainID, token string) ([]Task, error) {
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var main Task
		if err := tx.Where("task_id = ?", mainID).Take(&main).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound(mainID)
			}
			return err
		}
		if main.Status != StatusRunning || main.ClaimToken != token {
			return conflict(mainID, "main task is no longer claimed by this worker")
		}
		return tx.Model(&Task{}).
			Where("parent_task_id = ? AND status IN ?", mainID, []Status{StatusPending, StatusRunning}).
			Updates(map[string]any{
				"status":           StatusRunning,
				"claim_token":      token,
				"started_at":       gorm.Expr("COALESCE(started_at, ?)", now),
				"last_activity_at": now,
				"updated_at":       now,
			}).Error
	})
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) {
			return nil, err
		}
		return nil, errutil.Internal("failed to start subtasks", err)
	}
	return s.Subtasks(ctx, mainID)
}

// Touch records analyzer activity on a running subtask and its main task.
func (s *Store) Touch(ctx context.Context, subtaskID, token string, progress float64) error {
	return s.touch(ctx, subtaskID, token, map[string]any{"progress_percentage": progress})
}

// Heartbeat marks a running subtask and its main task as alive without
// changing the reported progress. Workers send it while an analyzer call is
// in flight so ResetStuck leaves the task alone.
func (s *Store) Heartbeat(ctx context.Context, subtaskID, token string) error {
	return s.touch(ctx, subtaskID, token, map[string]any{})
}

func (s *Store) touch(ctx context.Context, subtaskID, token string, updates map[string]any) error {
	now := s.now()
	updates["last_activity_at"] = now
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status = ? AND claim_token = ?", subtaskID, StatusRunning, token).
		Updates(updates)
	if res.Error != nil {
		return errutil.Internal("failed to record activity", res.Error)
	}
	if res.RowsAffected == 0 {
		return conflict(subtaskID, "subtask is no longer running")
	}

	sub, err := s.Get(ctx, subtaskID)
	if err != nil || sub.ParentTaskID == nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status = ? AND claim_token = ?", *sub.ParentTaskID, StatusRunning, token).
		Update("last_activity_at", now).Error
}

// RecordAttemptFailure increments the retry counter of a running subtask and
// returns the new count.
func (s *Store) RecordAttemptFailure(ctx context.Context, subtaskID, token, message string) (int, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status = ? AND claim_token = ?", subtaskID, StatusRunning, token).
		Updates(map[string]any{
			"retry_count":      gorm.Expr("retry_count + 1"),
			"error_message":    message,
			"last_activity_at": now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return 0, errutil.Internal("failed to record attempt failure", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, conflict(subtaskID, "subtask is no longer running")
	}
	t, err := s.Get(ctx, subtaskID)
	if err != nil {
		return 0, err
	}
	return t.RetryCount, nil
}

// CompleteSubtask moves a running subtask to a terminal status and stores the
// raw analyzer payload. Results for subtasks that were cancelled, reset or
// completed by another worker are rejected with ErrConflict.
func (s *Store) CompleteSubtask(ctx context.Context, subtaskID, token string, to Status, raw json.RawMessage, message string) error {
	if !StatusRunning.CanTransition(to) {
		return errutil.Wrap(errutil.StatusUnprocessableEntity, ErrInvalidTransition,
			fmt.Sprintf("cannot complete subtask as %s", to), nil, errutil.WithDetail("task_id", subtaskID))
	}

	now := s.now()
	updates := map[string]any{
		"status":           to,
		"error_message":    message,
		"completed_at":     now,
		"last_activity_at": now,
		"updated_at":       now,
	}
	if len(raw) > 0 {
		updates["raw_payload"] = datatypes.JSON(raw)
	}
	if to == StatusCompleted {
		updates["progress_percentage"] = 100.0
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND status = ? AND claim_token = ?", subtaskID, StatusRunning, token).
		Updates(updates)
	if res.Error != nil {
		return errutil.Internal("failed to complete subtask", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.explainMiss(ctx, subtaskID, StatusRunning)
	}
	return nil
}

// FinalizeMain moves a running main task to its derived terminal status with
// the aggregated payload. It only succeeds for the worker holding token.
func (s *Store) FinalizeMain(ctx context.Context, mainID, token string, to Status, payload json.RawMessage, message string) error {
	if !StatusRunning.CanTransition(to) {
		return errutil.Wrap(errutil.StatusUnprocessableEntity, ErrInvalidTransition,
			fmt.Sprintf("cannot finalize main task as %s", to), nil, errutil.WithDetail("task_id", mainID))
	}

	now := s.now()
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND is_main_task = ? AND status = ? AND claim_token = ?", mainID, true, StatusRunning, token).
		Updates(map[string]any{
			"status":              to,
			"result_payload":      datatypes.JSON(payload),
			"error_message":       message,
			"progress_percentage": 100.0,
			"completed_at":        now,
			"updated_at":          now,
		})
	if res.Error != nil {
		return errutil.Internal("failed to finalize task", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.explainMiss(ctx, mainID, StatusRunning)
	}
	return nil
}

// Release hands a claimed main task back to the queue, e.g. on shutdown.
func (s *Store) Release(ctx context.Context, mainID, token string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("task_id = ? AND status = ? AND claim_token = ?", mainID, StatusRunning, token).
			Updates(map[string]any{"status": StatusPending, "claim_token": "", "updated_at": s.now()})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		return resetSubtasks(tx, mainID, s.now())
	})
}

func resetSubtasks(tx *gorm.DB, mainID string, now time.Time) error {
	return tx.Model(&Task{}).
		Where("parent_task_id = ? AND status = ?", mainID, StatusRunning).
		Updates(map[string]any{
			"status":              StatusPending,
			"claim_token":         "",
			"progress_percentage": 0,
			"updated_at":          now,
		}).Error
}

// Cancel marks a pending or running main task and its non-terminal subtasks
// cancelled. Cancelling an already cancelled task returns it unchanged.
func (s *Store) Cancel(ctx context.Context, mainID, reason string) (*Task, error) {
	if reason == "" {
		reason = "cancelled"
	}
	now := s.now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("task_id = ? AND is_main_task = ? AND status IN ?", mainID, true, []Status{StatusPending, StatusRunning}).
			Updates(map[string]any{
				"status":        StatusCancelled,
				"error_message": reason,
				"completed_at":  now,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&Task{}).
			Where("parent_task_id = ? AND status IN ?", mainID, []Status{StatusPending, StatusRunning}).
			Updates(map[string]any{
				"status":       StatusCancelled,
				"completed_at": now,
				"updated_at":   now,
			}).Error
	})
	if err != nil {
		return nil, errutil.Internal("failed to cancel task", err)
	}

	t, err := s.Get(ctx, mainID)
	if err != nil {
		return nil, err
	}
	if !t.IsMainTask {
		return nil, configError("task_id", "only main tasks can be cancelled")
	}
	if t.Status != StatusCancelled {
		return t, conflict(mainID, fmt.Sprintf("task already %s", t.Status))
	}
	return t, nil
}

// ResetStuck returns running main tasks with no activity on the task or any
// of its subtasks for longer than grace back to pending, together with their
// running subtasks. It returns the ids that were reset.
func (s *Store) ResetStuck(ctx context.Context, grace time.Duration) ([]string, error) {
	now := s.now()
	cutoff := now.Add(-grace)

	var candidates []Task
	if err := s.db.WithContext(ctx).
		Where("is_main_task = ? AND status = ? AND COALESCE(last_activity_at, started_at, created_at) < ?", true, StatusRunning, cutoff).
		Find(&candidates).Error; err != nil {
		return nil, errutil.Internal("failed to find stuck tasks", err)
	}

	var reset []string
	for _, main := range candidates {
		var recent int64
		if err := s.db.WithContext(ctx).Model(&Task{}).
			Where("parent_task_id = ? AND last_activity_at >= ?", main.TaskID, cutoff).
			Count(&recent).Error; err != nil {
			return reset, errutil.Internal("failed to inspect subtasks", err)
		}
		if recent > 0 {
			continue
		}

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&Task{}).
				Where("task_id = ? AND status = ? AND claim_token = ?", main.TaskID, StatusRunning, main.ClaimToken).
				Updates(map[string]any{"status": StatusPending, "claim_token": "", "updated_at": now})
			if res.Error != nil || res.RowsAffected == 0 {
				return res.Error
			}
			reset = append(reset, main.TaskID)
			return resetSubtasks(tx, main.TaskID, now)
		})
		if err != nil {
			return reset, errutil.Internal("failed to reset stuck task", err)
		}
		zap.L().Warn("reset stuck task to pending", zap.String("task_id", main.TaskID), zap.Duration("grace", grace))
	}
	return reset, nil
}

// StoreAggregate replaces the result payload of a completed, failed or
// partially successful main task. The status is left untouched and
// cancelled tasks are rejected.
func (s *Store) StoreAggregate(ctx context.Context, mainID string, payload json.RawMessage) error {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("task_id = ? AND is_main_task = ? AND status IN ?", mainID, true,
			[]Status{StatusCompleted, StatusFailed, StatusPartialSuccess}).
		Updates(map[string]any{
			"result_payload": datatypes.JSON(payload),
			"updated_at":     s.now(),
		})
	if res.Error != nil {
		return errutil.Internal("failed to store aggregate", res.Error)
	}
	if res.RowsAffected == 0 {
		t, err := s.Get(ctx, mainID)
		if err != nil {
			return err
		}
		return conflict(mainID, fmt.Sprintf("cannot re-aggregate a %s task", t.Status))
	}
	return nil
}
