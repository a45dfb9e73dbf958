package generation

import (
	"context"
	"fmt"
	"time"

	"appbench-orchestrator/pkg/errutil"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Request asks the external generator to produce one app.
type Request struct {
	PipelineID string `json:"pipeline_id"`
	Model      string `json:"model"`
	Template   string `json:"template"`
	AppNumber  int    `json:"app_number"`
}

// Result is the generator's verdict for one job.
type Result struct {
	Success   bool   `json:"success"`
	AppNumber int    `json:"app_number,omitempty"`
	Error     string `json:"error,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the generation service over HTTP.
type Client struct {
	rc *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= 500
		})
	return &Client{rc: rc}
}

// Generate submits one job. A response the generator rejects is reported
// as an unsuccessful Result; only transport failures return an error.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	var out Result
	var fail errorBody
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&fail).
		Post("/api/generate")
	if err != nil {
		zap.L().Error("generator request failed",
			zap.String("pipeline_id", req.PipelineID), zap.String("model", req.Model), zap.Error(err))
		return Result{}, errutil.Unavailable("generator unreachable", err)
	}

	if resp.IsError() {
		msg := fail.Error
		if msg == "" {
			msg = fail.Message
		}
		if msg == "" {
			msg = resp.Status()
		}
		return Result{Success: false, AppNumber: req.AppNumber, Error: fmt.Sprintf("generator returned %d: %s", resp.StatusCode(), msg)}, nil
	}
	if out.AppNumber == 0 {
		out.AppNumber = req.AppNumber
	}
	if !out.Success && out.Error == "" {
		out.Error = "generation failed"
	}
	return out, nil
}
