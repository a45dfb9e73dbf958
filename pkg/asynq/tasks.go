package asynq

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Command task types handled by the orchestrator worker. Besides the
// orchestrator's own CLI, any asynq producer sharing the redis instance may
// enqueue them.
const (
	TypeAnalysisTrigger = "analysis:trigger"
	TypeTaskCancel      = "task:cancel"
	TypeTaskReaggregate = "task:reaggregate"
	TypePipelineStart   = "pipeline:start"
	TypePipelineCancel  = "pipeline:cancel"
)

type AnalysisTriggerPayload struct {
	Model     string              `json:"model"`
	AppNumber int                 `json:"app_number"`
	Services  []string            `json:"services"`
	Tools     map[string][]string `json:"tools,omitempty"`
	Priority  string              `json:"priority,omitempty"`
	BatchID   string              `json:"batch_id,omitempty"`
}

type TaskPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

type PipelinePayload struct {
	PipelineID string `json:"pipeline_id"`
	Reason     string `json:"reason,omitempty"`
}

// NewTask marshals payload into an asynq task of the given type.
func NewTask(typ string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, opts...), nil
}

// Decode unmarshals an asynq task payload, marking malformed payloads as non-retryable.
func Decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("invalid %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
