package pipeline

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"appbench-orchestrator/services/task"

	"gorm.io/datatypes"
)

// Stage is where a running pipeline currently is.
type Stage string

const (
	StageGeneration Stage = "generation"
	StageAnalysis   Stage = "analysis"
	StageDone       Stage = "done"
)

func ParseStage(s string) (Stage, error) {
	switch st := Stage(strings.ToLower(strings.TrimSpace(s))); st {
	case StageGeneration, StageAnalysis, StageDone:
		return st, nil
	}
	return "", fmt.Errorf("unknown pipeline stage %q", s)
}

func (s Stage) Value() (driver.Value, error) {
	if _, err := ParseStage(string(s)); err != nil {
		return nil, err
	}
	return string(s), nil
}

func (s *Stage) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Stage", src)
	}
	st, err := ParseStage(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s *Stage) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseStage(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Pipeline is one generation-then-analysis run. Status uses the task status
// vocabulary; Version guards every write.
type Pipeline struct {
	PipelineID      string         `gorm:"column:pipeline_id;primaryKey;type:varchar(64)" json:"pipeline_id"`
	Name            string         `gorm:"column:name;type:varchar(200)" json:"name"`
	Status          task.Status    `gorm:"column:status;index;type:varchar(20);not null" json:"status"`
	CurrentStage    Stage          `gorm:"column:current_stage;type:varchar(20);not null" json:"current_stage"`
	CurrentJobIndex int            `gorm:"column:current_job_index;not null;default:0" json:"current_job_index"`
	Config          datatypes.JSON `gorm:"column:config" json:"config"`
	Progress        datatypes.JSON `gorm:"column:progress" json:"progress"`
	ErrorMessage    string         `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	Version         int64          `gorm:"column:version;not null;default:0" json:"version"`
	CreatedAt       time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	StartedAt       *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Pipeline) TableName() string { return "pipelines" }

func (p *Pipeline) DecodeConfig() (Config, error) {
	var cfg Config
	if len(p.Config) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(p.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("pipeline %s config: %w", p.PipelineID, err)
	}
	return cfg, nil
}

// DecodeProgress loads the progress document, migrating older versions.
func (p *Pipeline) DecodeProgress() (Progress, error) {
	prog, err := migrateProgress(p.Progress)
	if err != nil {
		return prog, fmt.Errorf("pipeline %s progress: %w", p.PipelineID, err)
	}
	return prog, nil
}
