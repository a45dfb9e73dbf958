package aggregator

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// keys under which tools report their issue lists
var issueKeys = []string{"issues", "findings", "alerts", "vulnerabilities", "violations", "messages"}

// keys under which analyzers nest their per-tool results
var resultKeys = []string{"results", "tool_results"}

var sarifKeys = []string{"sarif", "sarif_export"}

const maxExtraBytes = 16 << 10

// rawTool is one tool's result as found in an analyzer payload.
type rawTool struct {
	name     string
	language string
	fields   map[string]json.RawMessage
}

// rawService is a decoded analyzer payload.
type rawService struct {
	tools  []rawTool
	sarif  json.RawMessage
	extras Extras
}

// parseAnalysis understands both a flat `results.<tool>` layout and the
// language-grouped `results.<language>.<tool>` layout. An analysis carrying
// issues at its top level is treated as a single tool named fallback.
func parseAnalysis(raw json.RawMessage, fallback string) (*rawService, error) {
	out := &rawService{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, err
	}

	consumed := map[string]bool{"status": true, "tools_used": true, "timestamp": true, "duration": true}
	for _, k := range sarifKeys {
		if v, ok := top[k]; ok && !isNull(v) && out.sarif == nil {
			out.sarif = v
		}
		consumed[k] = true
	}

	for _, k := range resultKeys {
		v, ok := top[k]
		if !ok {
			continue
		}
		consumed[k] = true
		var group map[string]json.RawMessage
		if err := json.Unmarshal(v, &group); err != nil {
			continue
		}
		collectTools(group, "", &out.tools)
	}

	if len(out.tools) == 0 && hasIssueList(top) {
		out.tools = append(out.tools, rawTool{name: fallback, fields: top})
		for _, k := range issueKeys {
			consumed[k] = true
		}
	}

	for k, v := range top {
		if consumed[k] || len(v) > maxExtraBytes {
			continue
		}
		if out.extras == nil {
			out.extras = Extras{}
		}
		out.extras[k] = v
	}

	sort.Slice(out.tools, func(i, j int) bool {
		if out.tools[i].name != out.tools[j].name {
			return out.tools[i].name < out.tools[j].name
		}
		return out.tools[i].language < out.tools[j].language
	})
	return out, nil
}

// collectTools walks a results object. Entries that look like tool results
// are taken as tools; at the first level any other object is treated as a
// language group and walked once more.
func collectTools(group map[string]json.RawMessage, language string, into *[]rawTool) {
	for name, v := range group {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(v, &fields); err != nil {
			continue
		}
		if looksLikeTool(fields) {
			*into = append(*into, rawTool{name: name, language: language, fields: fields})
			continue
		}
		if language == "" {
			collectTools(fields, name, into)
		}
	}
}

func looksLikeTool(fields map[string]json.RawMessage) bool {
	if hasIssueList(fields) {
		return true
	}
	for _, k := range []string{"status", "executed", "total_issues", "tool", "sarif", "error"} {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return len(fields) == 0
}

func hasIssueList(fields map[string]json.RawMessage) bool {
	for _, k := range issueKeys {
		if v, ok := fields[k]; ok && len(bytes.TrimSpace(v)) > 0 && bytes.TrimSpace(v)[0] == '[' {
			return true
		}
	}
	return false
}

func isNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

func stringField(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

func intField(fields map[string]json.RawMessage, keys ...string) int {
	for _, k := range keys {
		if raw, ok := fields[k]; ok {
			if n, ok := intValue(raw); ok {
				return n
			}
		}
	}
	return 0
}

// issues returns the raw findings of a tool.
func (t rawTool) issues() []map[string]json.RawMessage {
	var out []map[string]json.RawMessage
	for _, k := range issueKeys {
		raw, ok := t.fields[k]
		if !ok {
			continue
		}
		var list []map[string]json.RawMessage
		if json.Unmarshal(raw, &list) != nil {
			continue
		}
		out = append(out, list...)
	}
	return out
}

func (t rawTool) status() string {
	return strings.ToLower(stringField(t.fields, "status"))
}

// executed honours an explicit flag and otherwise infers from status.
func (t rawTool) executed() bool {
	if raw, ok := t.fields["executed"]; ok {
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			return b
		}
	}
	switch t.status() {
	case "skipped", "not_available", "unavailable", "error", "failed", "not_run":
		return false
	}
	return true
}

func (t rawTool) sarif() json.RawMessage {
	if v, ok := t.fields["sarif"]; ok && !isNull(v) {
		return v
	}
	return nil
}

func toFinding(service, tool string, f map[string]json.RawMessage) Finding {
	file := stringField(f, "file", "filename", "file_path", "filePath", "path", "url", "uri")
	line := intField(f, "line", "line_number", "lineNumber", "start_line")
	if loc, ok := f["location"]; ok {
		var l map[string]json.RawMessage
		if json.Unmarshal(loc, &l) == nil {
			if file == "" {
				file = stringField(l, "file", "path", "uri")
			}
			if line == 0 {
				line = intField(l, "line", "start_line")
			}
		}
	}
	return Finding{
		Service:  service,
		Tool:     tool,
		Severity: severityOf(f),
		Rule:     stringField(f, "rule_id", "ruleId", "test_id", "check_id", "rule", "pluginid", "code", "symbol", "id"),
		Message:  stringField(f, "message", "issue_text", "description", "title", "name", "alert", "msg"),
		File:     file,
		Line:     line,
	}
}

func sortFindings(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if ra, rb := a.Severity.rank(), b.Severity.rank(); ra != rb {
			return ra < rb
		}
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		return a.Message < b.Message
	})
}
