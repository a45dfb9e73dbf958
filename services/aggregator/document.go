package aggregator

import "encoding/json"

// Document is the unified result of one main task. It holds no wall-clock
// values so that re-running aggregation over the same subtask payloads
// yields identical bytes.
type Document struct {
	Metadata Metadata `json:"metadata"`
	Results  Results  `json:"results"`
}

type Metadata struct {
	TaskID       string   `json:"task_id"`
	Model        string   `json:"model"`
	AppNumber    int      `json:"app_number"`
	AnalysisKind string   `json:"analysis_kind"`
	BatchID      string   `json:"batch_id,omitempty"`
	Status       string   `json:"status"`
	Services     []string `json:"services"`
}

type Results struct {
	Summary  Summary                 `json:"summary"`
	Services map[string]ServiceEntry `json:"services"`
	Tools    map[string]ToolEntry    `json:"tools"`
	Findings []Finding               `json:"findings"`
}

type Summary struct {
	TotalFindings     int       `json:"total_findings"`
	ToolsExecuted     int       `json:"tools_executed"`
	ToolsTotal        int       `json:"tools_total"`
	ServicesCompleted int       `json:"services_completed"`
	ServicesFailed    int       `json:"services_failed"`
	SeverityBreakdown Breakdown `json:"severity_breakdown"`
}

const (
	ServiceCompleted   = "completed"
	ServiceFailed      = "failed"
	ServiceUnavailable = "unavailable"
	ServiceCancelled   = "cancelled"
	ServiceMissing     = "missing"
)

// ServiceEntry describes what one analyzer service contributed. Failed
// services without a payload are kept with status unavailable.
type ServiceEntry struct {
	Status      string   `json:"status"`
	Error       string   `json:"error,omitempty"`
	RetryCount  int      `json:"retry_count"`
	TotalIssues int      `json:"total_issues"`
	Tools       []string `json:"tools"`
	Sarif       *BlobRef `json:"sarif,omitempty"`
	Extra       Extras   `json:"extra,omitempty"`
}

type ToolEntry struct {
	Service           string    `json:"service"`
	Status            string    `json:"status"`
	Executed          bool      `json:"executed"`
	TotalIssues       int       `json:"total_issues"`
	SeverityBreakdown Breakdown `json:"severity_breakdown"`
	Sarif             *BlobRef  `json:"sarif,omitempty"`
	Error             string    `json:"error,omitempty"`
}

type Finding struct {
	Service  string   `json:"service"`
	Tool     string   `json:"tool"`
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule,omitempty"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
}

// BlobRef replaces an extracted block in the document.
type BlobRef struct {
	Ref    string `json:"$ref"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Extras carries service-level keys the aggregator does not interpret,
// such as an AI review summary. Map keys marshal sorted.
type Extras map[string]json.RawMessage

// Marshal encodes doc deterministically.
func (d *Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}
