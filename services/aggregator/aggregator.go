package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"appbench-orchestrator/services/task"

	"go.uber.org/zap"
)

// Aggregator merges the raw payloads of a main task's subtasks into one
// Document. It reads nothing but its arguments, so re-running it over the
// same subtasks never double counts.
type Aggregator struct {
	blobs BlobStore
}

func New(blobs BlobStore) *Aggregator {
	return &Aggregator{blobs: blobs}
}

// Aggregate builds the unified document for main. status is the derived
// terminal status recorded in the metadata.
func (a *Aggregator) Aggregate(ctx context.Context, main task.Task, subtasks []task.Task, status task.Status) (*Document, error) {
	subs := append([]task.Task(nil), subtasks...)
	sort.Slice(subs, func(i, j int) bool { return subs[i].ServiceName < subs[j].ServiceName })

	doc := &Document{
		Metadata: Metadata{
			TaskID:       main.TaskID,
			Model:        main.TargetModel,
			AppNumber:    main.TargetAppNumber,
			AnalysisKind: main.AnalysisKind,
			BatchID:      main.BatchID,
			Status:       status.String(),
			Services:     make([]string, 0, len(subs)),
		},
		Results: Results{
			Summary:  Summary{SeverityBreakdown: newBreakdown()},
			Services: make(map[string]ServiceEntry, len(subs)),
			Tools:    map[string]ToolEntry{},
			Findings: []Finding{},
		},
	}

	for _, sub := range subs {
		doc.Metadata.Services = append(doc.Metadata.Services, sub.ServiceName)
		entry, err := a.service(ctx, doc, main.TaskID, sub)
		if err != nil {
			return nil, err
		}
		doc.Results.Services[sub.ServiceName] = entry
	}

	sortFindings(doc.Results.Findings)
	doc.Results.Summary.TotalFindings = len(doc.Results.Findings)
	return doc, nil
}

func (a *Aggregator) service(ctx context.Context, doc *Document, taskID string, sub task.Task) (ServiceEntry, error) {
	entry := ServiceEntry{RetryCount: sub.RetryCount, Error: sub.ErrorMessage, Tools: []string{}}
	summary := &doc.Results.Summary

	switch sub.Status {
	case task.StatusCompleted:
		entry.Status = ServiceCompleted
		entry.Error = ""
		summary.ServicesCompleted++
	case task.StatusFailed:
		summary.ServicesFailed++
		if isNull(json.RawMessage(sub.RawPayload)) {
			entry.Status = ServiceUnavailable
			if entry.Error == "" {
				entry.Error = "service unavailable"
			}
			return entry, nil
		}
		entry.Status = ServiceFailed
	case task.StatusCancelled:
		entry.Status = ServiceCancelled
		return entry, nil
	default:
		entry.Status = ServiceMissing
		return entry, nil
	}

	parsed, err := parseAnalysis(json.RawMessage(sub.RawPayload), sub.ServiceName)
	if err != nil {
		zap.L().Warn("unreadable analyzer payload",
			zap.String("task_id", taskID), zap.String("service", sub.ServiceName), zap.Error(err))
		entry.Error = fmt.Sprintf("unreadable payload: %v", err)
		return entry, nil
	}
	entry.Extra = parsed.extras

	if parsed.sarif != nil && a.blobs != nil {
		ref, err := extractBlob(ctx, a.blobs, sarifKey(taskID, sub.ServiceName, "service"), parsed.sarif)
		if err != nil {
			return entry, fmt.Errorf("extract sarif for %s: %w", sub.ServiceName, err)
		}
		entry.Sarif = ref
	}

	for _, t := range parsed.tools {
		key := toolKey(doc.Results.Tools, sub.ServiceName, t)
		tool := ToolEntry{
			Service:           sub.ServiceName,
			Status:            t.status(),
			Executed:          t.executed(),
			SeverityBreakdown: newBreakdown(),
			Error:             stringField(t.fields, "error"),
		}
		if tool.Status == "" {
			tool.Status = "success"
			if !tool.Executed {
				tool.Status = "skipped"
			}
		}

		for _, raw := range t.issues() {
			f := toFinding(sub.ServiceName, key, raw)
			tool.SeverityBreakdown[f.Severity]++
			summary.SeverityBreakdown[f.Severity]++
			doc.Results.Findings = append(doc.Results.Findings, f)
			tool.TotalIssues++
		}

		if sarif := t.sarif(); sarif != nil && a.blobs != nil {
			ref, err := extractBlob(ctx, a.blobs, sarifKey(taskID, sub.ServiceName, key), sarif)
			if err != nil {
				return entry, fmt.Errorf("extract sarif for %s/%s: %w", sub.ServiceName, key, err)
			}
			tool.Sarif = ref
		}

		summary.ToolsTotal++
		if tool.Executed {
			summary.ToolsExecuted++
		}
		entry.TotalIssues += tool.TotalIssues
		entry.Tools = append(entry.Tools, key)
		doc.Results.Tools[key] = tool
	}
	return entry, nil
}

// toolKey names a tool in the document, qualifying it when another
// service or language already used the plain name.
func toolKey(taken map[string]ToolEntry, service string, t rawTool) string {
	key := t.name
	if _, dup := taken[key]; !dup {
		return key
	}
	if t.language != "" {
		key = t.language + "." + t.name
		if _, dup := taken[key]; !dup {
			return key
		}
	}
	return service + ":" + key
}
