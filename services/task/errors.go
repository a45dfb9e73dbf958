package task

import (
	"errors"

	"appbench-orchestrator/pkg/errutil"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrConflict          = errors.New("task status conflict")
	ErrConfig            = errors.New("invalid task configuration")
	ErrDuplicate         = errors.New("duplicate task")
	ErrInvalidTransition = errors.New("invalid status transition")
)

func notFound(taskID string) error {
	return errutil.Wrap(errutil.StatusNotFound, ErrNotFound, "task not found", nil, errutil.WithDetail("task_id", taskID))
}

func conflict(taskID string, msg string) error {
	return errutil.Wrap(errutil.StatusConflict, ErrConflict, msg, nil, errutil.WithDetail("task_id", taskID))
}

func configError(field, msg string) error {
	return errutil.Wrap(errutil.StatusValidationFailed, ErrConfig, msg, nil, errutil.WithDetail(field, msg))
}
