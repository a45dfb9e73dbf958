package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"appbench-orchestrator/pkg/celengine"
	"appbench-orchestrator/pkg/errutil"
)

const ConfigVersion = 1

var ErrInvalidConfig = errors.New("invalid pipeline config")

type Config struct {
	Version    int              `json:"version"`
	Generation GenerationConfig `json:"generation"`
	Analysis   AnalysisConfig   `json:"analysis"`
}

type GenerationConfig struct {
	Models    []string `json:"models"`
	Templates []string `json:"templates"`
}

type AnalysisConfig struct {
	Services   []string            `json:"services"`
	Tools      map[string][]string `json:"tools,omitempty"`
	Priority   string              `json:"priority,omitempty"`
	MaxRetries *int                `json:"max_retries,omitempty"`
	// Filter is a CEL expression over model, template and app_number. Only
	// generated apps it accepts are analyzed.
	Filter string `json:"filter,omitempty"`
}

// Job is one model x template combination of the generation stage.
type Job struct {
	Index     int    `json:"index"`
	Model     string `json:"model"`
	Template  string `json:"template"`
	AppNumber int    `json:"app_number"`
}

// Jobs enumerates generation jobs model by model. The app number of a job
// is the position of its template plus one.
func (c Config) Jobs() []Job {
	jobs := make([]Job, 0, len(c.Generation.Models)*len(c.Generation.Templates))
	for _, m := range c.Generation.Models {
		for ti, tpl := range c.Generation.Templates {
			jobs = append(jobs, Job{Index: len(jobs), Model: m, Template: tpl, AppNumber: ti + 1})
		}
	}
	return jobs
}

func (j Job) attrs() map[string]any {
	return map[string]any{"model": j.Model, "template": j.Template, "app_number": j.AppNumber}
}

// Accepts reports whether the analysis filter admits job.
func (c Config) Accepts(job Job) (bool, error) {
	if c.Analysis.Filter == "" {
		return true, nil
	}
	return celengine.Evaluate(c.Analysis.Filter, job.attrs())
}

func (c Config) Validate() error {
	invalid := func(field, msg string) error {
		return errutil.Wrap(errutil.StatusValidationFailed, ErrInvalidConfig, msg, nil, errutil.WithDetail(field, msg))
	}
	if len(c.Generation.Models) == 0 {
		return invalid("generation.models", "at least one model is required")
	}
	if len(c.Generation.Templates) == 0 {
		return invalid("generation.templates", "at least one template is required")
	}
	for _, m := range c.Generation.Models {
		if strings.TrimSpace(m) == "" {
			return invalid("generation.models", "model names must not be empty")
		}
	}
	if c.Analysis.MaxRetries != nil && *c.Analysis.MaxRetries < 0 {
		return invalid("analysis.max_retries", "max retries must not be negative")
	}
	if c.Analysis.Filter != "" {
		env, err := celengine.GetOrBuildEnv(Job{}.attrs())
		if err == nil {
			err = celengine.ValidateExpression(env, c.Analysis.Filter)
		}
		if err != nil {
			return invalid("analysis.filter", err.Error())
		}
	}
	if c.Version > ConfigVersion {
		return invalid("version", fmt.Sprintf("unsupported config version %d", c.Version))
	}
	return nil
}
