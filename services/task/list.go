package task

import (
	"context"
	"time"

	"appbench-orchestrator/pkg/db/pagination"
	"appbench-orchestrator/pkg/errutil"
)

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status   Status
	BatchID  string
	MainOnly bool
}

// List pages through tasks newest first. The cursor is keyed on
// (created_at, task_id) so pages stay stable while new tasks arrive.
func (s *Store) List(ctx context.Context, f ListFilter, p pagination.Pagination) ([]Task, pagination.PageInfo, error) {
	limit := p.Size()
	q := s.db.WithContext(ctx).Model(&Task{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", f.BatchID)
	}
	if f.MainOnly {
		q = q.Where("is_main_task = ?", true)
	}
	if p.Cursor != "" {
		c, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, pagination.PageInfo{}, errutil.BadRequest("invalid cursor", err)
		}
		at, err := time.Parse(time.RFC3339Nano, c.CreatedAt)
		if err != nil {
			return nil, pagination.PageInfo{}, errutil.BadRequest("invalid cursor", err)
		}
		q = q.Where("created_at < ? OR (created_at = ? AND task_id < ?)", at, at, c.ID)
	}

	var rows []Task
	if err := q.Order("created_at DESC").Order("task_id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, pagination.PageInfo{}, errutil.Internal("failed to list tasks", err)
	}
	return pagination.BuildCursorPageInfo(rows, limit, func(t Task) pagination.Cursor {
		return pagination.Cursor{CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano), ID: t.TaskID}
	})
}
