package task

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the closed set of task states. Values outside the set are
// rejected when read from the database or decoded from JSON.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusPartialSuccess Status = "partial_success"
	StatusCancelled      Status = "cancelled"
)

var statuses = map[string]Status{
	string(StatusPending):        StatusPending,
	string(StatusRunning):        StatusRunning,
	string(StatusCompleted):      StatusCompleted,
	string(StatusFailed):         StatusFailed,
	string(StatusPartialSuccess): StatusPartialSuccess,
	string(StatusCancelled):      StatusCancelled,
}

func ParseStatus(s string) (Status, error) {
	if st, ok := statuses[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

func (s Status) String() string { return string(s) }

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartialSuccess, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed:
// pending -> running | cancelled, running -> any terminal status.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.IsTerminal()
	}
	return false
}

func (s Status) Value() (driver.Value, error) {
	if _, ok := statuses[string(s)]; !ok {
		return nil, fmt.Errorf("unknown task status %q", string(s))
	}
	return string(s), nil
}

func (s *Status) Scan(src any) error {
	raw, err := scanString(src)
	if err != nil {
		return err
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorities = map[string]Priority{
	string(PriorityLow):    PriorityLow,
	string(PriorityNormal): PriorityNormal,
	string(PriorityHigh):   PriorityHigh,
	string(PriorityUrgent): PriorityUrgent,
}

// ParsePriority maps "" to normal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	if p, ok := priorities[s]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown task priority %q", s)
}

func (p Priority) Value() (driver.Value, error) {
	if _, ok := priorities[string(p)]; !ok {
		return nil, fmt.Errorf("unknown task priority %q", string(p))
	}
	return string(p), nil
}

func (p *Priority) Scan(src any) error {
	raw, err := scanString(src)
	if err != nil {
		return err
	}
	pr, ok := priorities[raw]
	if !ok {
		return fmt.Errorf("unknown task priority %q", raw)
	}
	*p = pr
	return nil
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	pr, err := ParsePriority(raw)
	if err != nil {
		return err
	}
	*p = pr
	return nil
}

// priorityOrder ranks urgent > high > normal > low for ORDER BY.
const priorityOrder = "CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END"

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", fmt.Errorf("unexpected NULL enum value")
	default:
		return "", fmt.Errorf("unexpected enum type %T", src)
	}
}
