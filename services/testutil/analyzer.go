package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

// AnalyzerHandler scripts one connection of a fake analyzer. req is the
// decoded first frame sent by the client.
type AnalyzerHandler func(conn *websocket.Conn, req map[string]any)

// FakeAnalyzer is a websocket analyzer service backed by httptest.
type FakeAnalyzer struct {
	server   *httptest.Server
	requests atomic.Int64
}

func NewFakeAnalyzer(t *testing.T, handler AnalyzerHandler) *FakeAnalyzer {
	t.Helper()
	f := &FakeAnalyzer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(msg, &req); err != nil {
			return
		}
		if req["type"] != "health_check" {
			f.requests.Add(1)
		}
		handler(conn, req)
	}))
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the ws:// endpoint of the fake.
func (f *FakeAnalyzer) URL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// Requests counts analyze requests received, excluding health checks.
func (f *FakeAnalyzer) Requests() int64 {
	return f.requests.Load()
}

// Close stops the listener so later dials are refused.
func (f *FakeAnalyzer) Close() {
	f.server.Close()
}

// Send writes frame as JSON, ignoring errors from closed peers.
func Send(conn *websocket.Conn, frame any) {
	_ = conn.WriteJSON(frame)
}

// ResultFrame builds a terminal frame for category.
func ResultFrame(category, status string, analysis any) map[string]any {
	return map[string]any{
		"type":     category + "_analysis_result",
		"status":   status,
		"analysis": analysis,
	}
}

// ProgressFrame builds a progress_update frame.
func ProgressFrame(stage string, progress float64) map[string]any {
	return map[string]any{
		"type": "progress_update",
		"data": map[string]any{"stage": stage, "progress": progress, "message": stage},
	}
}

// ToolAnalysis builds an analysis payload with one tool reporting n issues
// of the given severity.
func ToolAnalysis(tool string, n int, severity string) map[string]any {
	issues := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		issues = append(issues, map[string]any{
			"severity": severity,
			"rule_id":  tool + "-rule",
			"message":  "issue " + strconv.Itoa(i+1),
			"file":     "app/main.py",
			"line":     i + 1,
		})
	}
	return map[string]any{
		"results": map[string]any{
			tool: map[string]any{"status": "success", "executed": true, "issues": issues},
		},
	}
}
