package aggregator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"appbench-orchestrator/services/task"
	"appbench-orchestrator/services/testutil"

	"github.com/stretchr/testify/require"
)

func TestResultWriter_WritesOncePerTask(t *testing.T) {
	dir := t.TempDir()
	clk := testutil.NewMockClock()
	w := NewResultWriter(dir, clk)

	doc := &Document{
		Metadata: Metadata{TaskID: "1001", Model: "openai_gpt-4o", AppNumber: 3, Status: string(task.StatusCompleted), Services: []string{"static-analyzer"}},
		Results:  Results{Summary: Summary{SeverityBreakdown: newBreakdown()}, Services: map[string]ServiceEntry{}, Tools: map[string]ToolEntry{}, Findings: []Finding{}},
	}

	path, written, err := w.Write(doc)
	require.NoError(t, err)
	require.True(t, written)
	require.Equal(t, filepath.Join(dir, "openai_gpt-4o", "app3", "task_1001", "openai_gpt-4o_app3_task_1001_20250301_120000.json"), path)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, "1001", got["metadata"]["task_id"])
	require.Equal(t, "2025-03-01T12:00:00Z", got["metadata"]["generated_at"])
	require.Contains(t, got["results"], "summary")

	clk.Add(time.Hour)
	again, written, err := w.Write(doc)
	require.NoError(t, err)
	require.False(t, written)
	require.Equal(t, path, again)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
