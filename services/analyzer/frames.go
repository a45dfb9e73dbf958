package analyzer

import "encoding/json"

const (
	TypeProgressUpdate = "progress_update"
	TypeHealthCheck    = "health_check"
	TypeError          = "error"

	StatusSuccess = "success"
	StatusError   = "error"
	StatusHealthy = "healthy"
)

// frames an analyzer may send that carry no meaning for the exchange.
var ignoredTypes = map[string]bool{
	"connection_established": true,
	"heartbeat":              true,
	"pong":                   true,
}

type Request struct {
	Type      string   `json:"type"`
	ModelSlug string   `json:"model_slug"`
	AppNumber int      `json:"app_number"`
	Tools     []string `json:"tools"`
	ID        string   `json:"id"`
}

type healthRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type envelope struct {
	Type     string          `json:"type"`
	Status   string          `json:"status"`
	ID       string          `json:"id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Analysis json.RawMessage `json:"analysis,omitempty"`
	Error    string          `json:"error,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type Progress struct {
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}

// Job is the per-subtask input of one analyzer exchange.
type Job struct {
	Model         string
	AppNumber     int
	Tools         []string
	CorrelationID string
}

// Result is the single terminal frame of an exchange.
type Result struct {
	Service  string          `json:"service"`
	Status   string          `json:"status"`
	Analysis json.RawMessage `json:"analysis,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (r *Result) Succeeded() bool { return r.Status == StatusSuccess }

type Health struct {
	Service string         `json:"service"`
	Healthy bool           `json:"healthy"`
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}
