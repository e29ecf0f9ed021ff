// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

// Package tracker is a local experiment tracker: run records, scalar series
// and figure artifacts, persisted in SQLite under a root directory. Each run
// also gets its own artifact directory with the run configuration as JSON.
package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Run states.
const (
	StateRunning  = "running"
	StateFinished = "finished"
	StateFailed   = "failed"
	StatePruned   = "pruned"
)

// Tracker owns the experiment root directory and the backing store.
type Tracker struct {
	root  string
	store *Store
}

// Run is an active tracked run. Methods are safe for use from a single
// goroutine; different runs may log concurrently.
type Run struct {
	ID    string
	Name  string
	Sweep string

	tracker *Tracker
}

// New opens (or creates) a tracker rooted at dir.
func New(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating tracker root %s", dir)
	}
	store, err := OpenStore(filepath.Join(dir, "abn.db"))
	if err != nil {
		return nil, err
	}
	return &Tracker{root: dir, store: store}, nil
}

// Close releases the backing store.
func (t *Tracker) Close() error { return t.store.Close() }

// Root returns the tracker root directory.
func (t *Tracker) Root() string { return t.root }

// Store exposes the backing store for summary queries.
func (t *Tracker) Store() *Store { return t.store }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString()[:8] }

// StartRun registers a run, creates its artifact directory and writes config
// as pretty-printed JSON into it.
func (t *Tracker) StartRun(id, name, sweep string, config any) (*Run, error) {
	run := &Run{ID: id, Name: name, Sweep: sweep, tracker: t}
	if err := os.MkdirAll(run.Dir(), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating run directory for %s", name)
	}
	configJSON, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "serializing config for run %s", name)
	}
	if err := os.WriteFile(filepath.Join(run.Dir(), "config.json"), configJSON, 0o644); err != nil {
		return nil, errors.Wrapf(err, "writing config for run %s", name)
	}
	if err := t.store.InsertRun(run.ID, name, sweep, string(configJSON), StateRunning); err != nil {
		return nil, err
	}
	return run, nil
}

// Dir is the run's artifact directory.
func (r *Run) Dir() string { return filepath.Join(r.tracker.root, r.Name) }

// LogScalar appends one point of a named scalar series.
func (r *Run) LogScalar(name string, step int, value float64) error {
	return r.tracker.store.InsertScalar(r.ID, name, step, value)
}

// LogFigure registers a figure artifact stored at path.
func (r *Run) LogFigure(name, path string) error {
	return r.tracker.store.InsertFigure(r.ID, name, path)
}

// Finish marks the run's terminal state.
func (r *Run) Finish(state string) error {
	return r.tracker.store.UpdateRunState(r.ID, state)
}

// Scalars returns the run's logged series for the named scalar.
func (r *Run) Scalars(name string) ([]int, []float64, error) {
	return r.tracker.store.Scalars(r.ID, name)
}

// RunSummary is one row of a sweep report.
type RunSummary struct {
	ID        string
	Name      string
	Sweep     string
	State     string
	Metric    float64
	HasMetric bool
	CreatedAt time.Time
}

// String formats the summary for logs.
func (s RunSummary) String() string {
	metric := "n/a"
	if s.HasMetric {
		metric = fmt.Sprintf("%.6g", s.Metric)
	}
	return fmt.Sprintf("%s [%s] metric=%s, started %s",
		s.Name, s.State, metric, humanize.Time(s.CreatedAt))
}

// BestRun returns the run of the sweep with the lowest logged value of the
// named scalar anywhere in training, skipping runs that never logged it.
func (t *Tracker) BestRun(sweep, metric string) (RunSummary, error) {
	summaries, err := t.store.SweepSummaries(sweep, metric)
	if err != nil {
		return RunSummary{}, err
	}
	best := RunSummary{}
	for _, s := range summaries {
		if !s.HasMetric {
			continue
		}
		if !best.HasMetric || s.Metric < best.Metric {
			best = s
		}
	}
	if !best.HasMetric {
		return RunSummary{}, errors.Errorf("sweep %q has no run with metric %q", sweep, metric)
	}
	return best, nil
}
