package pipeline

import (
	"errors"

	"appbench-orchestrator/pkg/errutil"
)

var (
	ErrNotFound = errors.New("pipeline not found")
	ErrConflict = errors.New("pipeline changed concurrently")
	ErrLocked   = errors.New("pipeline is being advanced elsewhere")
)

func notFound(id string) error {
	return errutil.Wrap(errutil.StatusNotFound, ErrNotFound, "pipeline not found", nil, errutil.WithDetail("pipeline_id", id))
}

func conflict(id, msg string) error {
	return errutil.Wrap(errutil.StatusConflict, ErrConflict, msg, nil, errutil.WithDetail("pipeline_id", id))
}
