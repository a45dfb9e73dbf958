package aggregator

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/facebookgo/clock"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

// ResultWriter persists a finalized document as
// <dir>/<model>/app<N>/task_<id>/<model>_app<N>_task_<id>_<timestamp>.json.
type ResultWriter struct {
	dir   string
	clock clock.Clock
}

func NewResultWriter(dir string, clk clock.Clock) *ResultWriter {
	return &ResultWriter{dir: dir, clock: clk}
}

type fileMetadata struct {
	Metadata
	GeneratedAt time.Time `json:"generated_at"`
}

type fileDocument struct {
	Metadata fileMetadata `json:"metadata"`
	Results  Results      `json:"results"`
}

func (w *ResultWriter) taskDir(doc *Document) (string, string) {
	model := slug.Make(doc.Metadata.Model)
	app := fmt.Sprintf("app%d", doc.Metadata.AppNumber)
	dir := filepath.Join(w.dir, model, app, "task_"+doc.Metadata.TaskID)
	prefix := fmt.Sprintf("%s_%s_task_%s_", model, app, doc.Metadata.TaskID)
	return dir, prefix
}

// Existing returns the result file already written for the task, if any.
func (w *ResultWriter) Existing(doc *Document) (string, bool) {
	dir, prefix := w.taskDir(doc)
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"*.json"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// Write stores doc once per task. A second call for the same task returns
// the existing path and false.
func (w *ResultWriter) Write(doc *Document) (string, bool, error) {
	if path, ok := w.Existing(doc); ok {
		return path, false, nil
	}

	now := w.clock.Now().UTC()
	dir, prefix := w.taskDir(doc)
	path := filepath.Join(dir, prefix+now.Format("20060102_150405")+".json")

	body, err := json.MarshalIndent(fileDocument{
		Metadata: fileMetadata{Metadata: doc.Metadata, GeneratedAt: now},
		Results:  doc.Results,
	}, "", "  ")
	if err != nil {
		return "", false, err
	}
	if err := writeFileAtomic(path, body); err != nil {
		return "", false, err
	}
	zap.L().Info("result file written", zap.String("task_id", doc.Metadata.TaskID), zap.String("path", path))
	return path, true, nil
}

// Rewrite replaces the content of an existing result file, keeping its
// name, or writes a new one when none exists.
func (w *ResultWriter) Rewrite(doc *Document) (string, error) {
	path, ok := w.Existing(doc)
	if !ok {
		path, _, err := w.Write(doc)
		return path, err
	}
	body, err := json.MarshalIndent(fileDocument{
		Metadata: fileMetadata{Metadata: doc.Metadata, GeneratedAt: w.clock.Now().UTC()},
		Results:  doc.Results,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(path, body); err != nil {
		return "", err
	}
	return path, nil
}
