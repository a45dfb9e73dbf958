package orchestrator

import (
	"appbench-orchestrator/services/task"
)

// TriggerRequest asks for one app to be analyzed by a set of services.
type TriggerRequest struct {
	Model     string              `json:"model"`
	AppNumber int                 `json:"app_number"`
	Services  []string            `json:"services,omitempty"`
	Tools     map[string][]string `json:"tools,omitempty"`
	Priority  string              `json:"priority,omitempty"`
	BatchID   string              `json:"batch_id,omitempty"`
}

// TaskView is a main task together with its subtasks.
type TaskView struct {
	Task     task.Task   `json:"task"`
	Subtasks []task.Task `json:"subtasks"`
}
