package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const ProgressVersion = 2

const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
)

// Progress is the persisted, versioned progress document of a pipeline.
type Progress struct {
	Version    int                `json:"version"`
	Generation GenerationProgress `json:"generation"`
	Analysis   AnalysisProgress   `json:"analysis"`
}

type GenerationProgress struct {
	Total     int         `json:"total"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Status    string      `json:"status"`
	Results   []JobResult `json:"results"`
}

// JobResult is the recorded outcome of one generation job.
type JobResult struct {
	Job
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type AnalysisProgress struct {
	Total          int      `json:"total"`
	Completed      int      `json:"completed"`
	Failed         int      `json:"failed"`
	Status         string   `json:"status"`
	MainTaskIDs    []string `json:"main_task_ids"`
	CreationErrors []string `json:"creation_errors,omitempty"`
	Filtered       int      `json:"filtered,omitempty"`
}

func newProgress(totalJobs int) Progress {
	return Progress{
		Version:    ProgressVersion,
		Generation: GenerationProgress{Total: totalJobs, Status: StagePending, Results: []JobResult{}},
		Analysis:   AnalysisProgress{Status: StagePending, MainTaskIDs: []string{}},
	}
}

func (p Progress) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// recorded reports whether the job at index has a committed outcome.
func (g GenerationProgress) recorded(index int) bool {
	for _, r := range g.Results {
		if r.Index == index {
			return true
		}
	}
	return false
}

// record stores the outcome of a job and recounts the totals.
func (g *GenerationProgress) record(r JobResult) {
	if g.recorded(r.Index) {
		return
	}
	g.Results = append(g.Results, r)
	sort.Slice(g.Results, func(i, j int) bool { return g.Results[i].Index < g.Results[j].Index })
	g.recount()
}

func (g *GenerationProgress) recount() {
	g.Completed, g.Failed = 0, 0
	for _, r := range g.Results {
		if r.Success {
			g.Completed++
		} else {
			g.Failed++
		}
	}
}

// progressV1 is the flat layout written before progress was versioned.
type progressV1 struct {
	GenerationTotal     int                `json:"generation_total"`
	GenerationCompleted int                `json:"generation_completed"`
	GenerationFailed    int                `json:"generation_failed"`
	GenerationStatus    string             `json:"generation_status"`
	GenerationResults   []generationResult `json:"generation_results"`
	AnalysisTotal       int                `json:"analysis_total"`
	AnalysisCompleted   int                `json:"analysis_completed"`
	AnalysisFailed      int                `json:"analysis_failed"`
	AnalysisStatus      string             `json:"analysis_status"`
	MainTaskIDs         []string           `json:"main_task_ids"`
}

type generationResult struct {
	JobIndex  int    `json:"job_index"`
	Model     string `json:"model"`
	Template  string `json:"template"`
	AppNumber int    `json:"app_number"`
	Success   bool   `json:"success"`
	Error     string `json:"error"`
}

// migrateProgress decodes any known progress version into the current one.
func migrateProgress(raw []byte) (Progress, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return newProgress(0), nil
	}

	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Progress{}, err
	}

	switch head.Version {
	case ProgressVersion:
		var p Progress
		if err := json.Unmarshal(raw, &p); err != nil {
			return Progress{}, err
		}
		if p.Generation.Results == nil {
			p.Generation.Results = []JobResult{}
		}
		if p.Analysis.MainTaskIDs == nil {
			p.Analysis.MainTaskIDs = []string{}
		}
		return p, nil
	case 0, 1:
		var v1 progressV1
		if err := json.Unmarshal(raw, &v1); err != nil {
			return Progress{}, err
		}
		return migrateV1(v1), nil
	default:
		return Progress{}, fmt.Errorf("unsupported progress version %d", head.Version)
	}
}

func migrateV1(v1 progressV1) Progress {
	p := newProgress(v1.GenerationTotal)
	for _, r := range v1.GenerationResults {
		p.Generation.record(JobResult{
			Job:     Job{Index: r.JobIndex, Model: r.Model, Template: r.Template, AppNumber: r.AppNumber},
			Success: r.Success,
			Error:   r.Error,
		})
	}
	if v1.GenerationStatus != "" {
		p.Generation.Status = v1.GenerationStatus
	}
	if v1.MainTaskIDs != nil {
		p.Analysis.MainTaskIDs = v1.MainTaskIDs
	}
	p.Analysis.Total = len(p.Analysis.MainTaskIDs)
	p.Analysis.Completed = v1.AnalysisCompleted
	p.Analysis.Failed = v1.AnalysisFailed
	if v1.AnalysisStatus != "" {
		p.Analysis.Status = v1.AnalysisStatus
	} else if len(p.Analysis.MainTaskIDs) > 0 {
		p.Analysis.Status = StageRunning
	}
	return p
}

// GenerationComplete is true only when the cursor reached the end of the
// job list and every job has a recorded outcome.
func GenerationComplete(currentJobIndex int, p Progress) bool {
	total := p.Generation.Total
	if currentJobIndex != total {
		return false
	}
	for i := 0; i < total; i++ {
		if !p.Generation.recorded(i) {
			return false
		}
	}
	return true
}
