// Package train drives fine-tuning: gradient accumulation, checkpointing,
// resumption and validation.
package train

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// SampleRow is one qualitative sample recorded at an epoch boundary.
type SampleRow struct {
	Epoch int    `json:"epoch"`
	Text  string `json:"text"`
}

// RunContext is the per-run state threaded through the trainer and the
// evaluation runner: the run directory, a logger, and a metrics sink. It is
// created once at startup; nothing in this package reaches for globals.
type RunContext struct {
	Dir    string
	Logger *log.Logger

	metrics *os.File
	enc     *json.Encoder
	samples []SampleRow
}

// NewRunContext creates the run directory (a timestamped directory under
// "runs" when dir is empty) and opens its metrics sink.
func NewRunContext(dir string) (*RunContext, error) {
	if dir == "" {
		dir = filepath.Join("runs", time.Now().Format("20060102-150405"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &RunContext{
		Dir:     dir,
		Logger:  log.With("run", filepath.Base(dir)),
		metrics: f,
		enc:     json.NewEncoder(f),
	}, nil
}

// Close flushes and closes the metrics sink.
func (rc *RunContext) Close() error {
	if rc.metrics == nil {
		return nil
	}
	return rc.metrics.Close()
}

func (rc *RunContext) emit(event map[string]any) {
	if rc.enc == nil {
		return
	}
	if err := rc.enc.Encode(event); err != nil {
		rc.Logger.Warn("dropping metrics event", "err", err)
	}
}

// LogScalars records scalar metrics keyed by global step.
func (rc *RunContext) LogScalars(step int, values map[string]float64) {
	event := map[string]any{"step": step}
	kv := make([]any, 0, 2*len(values)+2)
	kv = append(kv, "step", step)
	for k, v := range values {
		event[k] = v
		kv = append(kv, k, v)
	}
	rc.emit(event)
	rc.Logger.Info("metrics", kv...)
}

// LogHistogram records one histogram (bucket dividers plus counts) keyed by
// global step.
func (rc *RunContext) LogHistogram(step int, name string, dividers, counts []float64) {
	rc.emit(map[string]any{
		"step":     step,
		"name":     name,
		"dividers": dividers,
		"counts":   counts,
	})
}

// AddSample appends a qualitative sample to the run's sample table and
// records the whole table, mirroring how the table grows across epochs.
func (rc *RunContext) AddSample(step, epoch int, text string) {
	rc.samples = append(rc.samples, SampleRow{Epoch: epoch, Text: text})
	rc.emit(map[string]any{"step": step, "samples": rc.samples})
}

// Samples returns the accumulated sample table.
func (rc *RunContext) Samples() []SampleRow { return rc.samples }

// String implements fmt.Stringer for debug output.
func (rc *RunContext) String() string {
	return fmt.Sprintf("run(%s)", rc.Dir)
}
