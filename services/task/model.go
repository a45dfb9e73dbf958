package task

import (
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// Task is either a main task (one logical "analyze this app" request) or a
// subtask scoped to one analyzer service. Subtasks point at their main task by
// id only.
type Task struct {
	TaskID             string         `gorm:"column:task_id;primaryKey;type:varchar(64)" json:"task_id"`
	IsMainTask         bool           `gorm:"column:is_main_task;index:idx_analysis_tasks_claim,priority:1;not null" json:"is_main_task"`
	ParentTaskID       *string        `gorm:"column:parent_task_id;index;type:varchar(64)" json:"parent_task_id,omitempty"`
	ServiceName        string         `gorm:"column:service_name;type:varchar(64)" json:"service_name,omitempty"`
	TargetModel        string         `gorm:"column:target_model;index;type:varchar(200);not null" json:"target_model"`
	TargetAppNumber    int            `gorm:"column:target_app_number;not null" json:"target_app_number"`
	AnalysisKind       string         `gorm:"column:analysis_kind;type:varchar(32);not null" json:"analysis_kind"`
	Status             Status         `gorm:"column:status;index:idx_analysis_tasks_claim,priority:2;type:varchar(20);not null" json:"status"`
	Priority           Priority       `gorm:"column:priority;type:varchar(10);not null" json:"priority"`
	ProgressPercentage float64        `gorm:"column:progress_percentage;not null;default:0" json:"progress_percentage"`
	RetryCount         int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries         int            `gorm:"column:max_retries;not null;default:0" json:"max_retries"`
	Tools              datatypes.JSON `gorm:"column:tools" json:"tools,omitempty"`
	ResultPayload      datatypes.JSON `gorm:"column:result_payload" json:"result_payload,omitempty"`
	RawPayload         datatypes.JSON `gorm:"column:raw_payload" json:"raw_payload,omitempty"`
	ErrorMessage       string         `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	BatchID            string         `gorm:"column:batch_id;index;type:varchar(64)" json:"batch_id,omitempty"`
	DedupeKey          *string        `gorm:"column:dedupe_key;uniqueIndex;type:varchar(400)" json:"dedupe_key,omitempty"`
	ClaimToken         string         `gorm:"column:claim_token;type:varchar(64)" json:"-"`
	CreatedAt          time.Time      `gorm:"column:created_at;index:idx_analysis_tasks_claim,priority:3;not null" json:"created_at"`
	StartedAt          *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	LastActivityAt     *time.Time     `gorm:"column:last_activity_at" json:"last_activity_at,omitempty"`
	UpdatedAt          time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Task) TableName() string { return "analysis_tasks" }

// ToolList decodes the per-subtask tool selection. nil means analyzer defaults.
func (t *Task) ToolList() []string {
	if len(t.Tools) == 0 {
		return nil
	}
	var tools []string
	if err := json.Unmarshal(t.Tools, &tools); err != nil {
		return nil
	}
	return tools
}

// claimLease is a single-row table every claimer writes to first, which
// serializes concurrent claim transactions on every supported dialect.
type claimLease struct {
	ID        int       `gorm:"column:id;primaryKey;autoIncrement:false"`
	ClaimedAt time.Time `gorm:"column:claimed_at"`
}

func (claimLease) TableName() string { return "analysis_claim_leases" }

const claimLeaseID = 1

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Task{}, &claimLease{}}
}

const DefaultAnalysisKind = "analysis"

// CreateRequest describes one main task and the analyzer services it fans out to.
type CreateRequest struct {
	Model        string
	AppNumber    int
	Services     []string
	Tools        map[string][]string
	Priority     Priority
	MaxRetries   int
	BatchID      string
	AnalysisKind string
}

// DedupeKey is set only for batch-scoped requests: batch|model|app|kind.
func (r CreateRequest) DedupeKey() *string {
	if r.BatchID == "" {
		return nil
	}
	kind := r.AnalysisKind
	if kind == "" {
		kind = DefaultAnalysisKind
	}
	key := r.BatchID + "|" + r.Model + "|" + strconv.Itoa(r.AppNumber) + "|" + kind
	return &key
}
