package pipeline

import (
	"context"
	"errors"
	"time"

	"appbench-orchestrator/pkg/errutil"
	"appbench-orchestrator/services/task"

	"github.com/facebookgo/clock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Store persists pipelines. Every update is conditional on the version the
// caller loaded, so two writers can never interleave partial progress.
type Store struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewStore(db *gorm.DB, clk clock.Clock) *Store {
	return &Store{db: db, clock: clk}
}

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Pipeline{})
}

func (s *Store) Insert(ctx context.Context, p *Pipeline) error {
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return errutil.Internal("failed to create pipeline", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Pipeline, error) {
	var p Pipeline
	if err := s.db.WithContext(ctx).Where("pipeline_id = ?", id).Take(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(id)
		}
		return nil, errutil.Internal("failed to load pipeline", err)
	}
	return &p, nil
}

// ListByStatus returns pipelines in status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status task.Status) ([]Pipeline, error) {
	var out []Pipeline
	if err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, errutil.Internal("failed to list pipelines", err)
	}
	return out, nil
}

// Save writes the mutable fields of p together with prog, provided nobody
// else wrote the pipeline since p was loaded. On success p.Version moves on.
func (s *Store) Save(ctx context.Context, p *Pipeline, prog Progress) error {
	body, err := prog.Marshal()
	if err != nil {
		return err
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Pipeline{}).
		Where("pipeline_id = ? AND version = ?", p.PipelineID, p.Version).
		Updates(map[string]any{
			"status":            p.Status,
			"current_stage":     p.CurrentStage,
			"current_job_index": p.CurrentJobIndex,
			"progress":          datatypes.JSON(body),
			"error_message":     p.ErrorMessage,
			"started_at":        p.StartedAt,
			"completed_at":      p.CompletedAt,
			"version":           p.Version + 1,
			"updated_at":        now,
		})
	if res.Error != nil {
		return errutil.Internal("failed to save pipeline", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, p.PipelineID); err != nil {
			return err
		}
		return conflict(p.PipelineID, "pipeline was modified by another writer")
	}
	p.Version++
	p.Progress = body
	p.UpdatedAt = now
	return nil
}
