// Copyright 2024-2026 The ABN Authors. SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Store is the SQLite persistence layer of the tracker. Safe for concurrent
// use.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// OpenStore opens the SQLite database at path, creating the schema if needed.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening tracker store %s", path)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "pinging tracker store %s", path)
	}
	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("tracker store is closed")
	}
	return s.db, nil
}

// InsertRun registers a run, updating config and state if the id exists.
func (s *Store) InsertRun(id, name, sweep, configJSON, state string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO runs (id, name, sweep, config, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config = excluded.config,
			state = excluded.state
	`, id, name, sweep, configJSON, state, time.Now().UnixMilli())
	return errors.Wrapf(err, "inserting run %s", name)
}

// UpdateRunState sets the run's state.
func (s *Store) UpdateRunState(id, state string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE runs SET state = ? WHERE id = ?`, state, id)
	return errors.Wrapf(err, "updating state of run %s", id)
}

// InsertScalar appends one scalar point.
func (s *Store) InsertScalar(runID, name string, step int, value float64) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO scalars (run_id, name, step, value) VALUES (?, ?, ?, ?)
	`, runID, name, step, value)
	return errors.Wrapf(err, "logging scalar %s for run %s", name, runID)
}

// InsertFigure registers a figure artifact, replacing a previous one with the
// same name.
func (s *Store) InsertFigure(runID, name, path string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO figures (run_id, name, path) VALUES (?, ?, ?)
		ON CONFLICT(run_id, name) DO UPDATE SET path = excluded.path
	`, runID, name, path)
	return errors.Wrapf(err, "logging figure %s for run %s", name, runID)
}

// Scalars returns the (step, value) series of a run's scalar in step order.
func (s *Store) Scalars(runID, name string) (steps []int, values []float64, err error) {
	db, err := s.getDB()
	if err != nil {
		return nil, nil, err
	}
	rows, err := db.Query(`
		SELECT step, value FROM scalars WHERE run_id = ? AND name = ? ORDER BY step
	`, runID, name)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "querying scalar %s for run %s", name, runID)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var step int
		var value float64
		if err := rows.Scan(&step, &value); err != nil {
			return nil, nil, errors.Wrap(err, "scanning scalar row")
		}
		steps = append(steps, step)
		values = append(values, value)
	}
	return steps, values, errors.Wrap(rows.Err(), "iterating scalar rows")
}

// SweepSummaries returns one summary per run of the sweep, with the lowest
// logged value of the named scalar as metric where it exists.
func (s *Store) SweepSummaries(sweep, metric string) ([]RunSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT r.id, r.name, r.sweep, r.state, r.created_at, sc.value
		FROM runs r
		LEFT JOIN (
			SELECT run_id, MIN(value) AS value
			FROM scalars WHERE name = ?
			GROUP BY run_id
		) sc ON sc.run_id = r.id
		WHERE r.sweep = ?
		ORDER BY r.created_at
	`, metric, sweep)
	if err != nil {
		return nil, errors.Wrapf(err, "querying summaries for sweep %s", sweep)
	}
	defer func() { _ = rows.Close() }()

	var summaries []RunSummary
	for rows.Next() {
		var s RunSummary
		var createdAt int64
		var value sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.Name, &s.Sweep, &s.State, &createdAt, &value); err != nil {
			return nil, errors.Wrap(err, "scanning summary row")
		}
		s.CreatedAt = time.UnixMilli(createdAt)
		if value.Valid {
			s.Metric = value.Float64
			s.HasMetric = true
		}
		summaries = append(summaries, s)
	}
	return summaries, errors.Wrap(rows.Err(), "iterating summary rows")
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			sweep TEXT NOT NULL,
			config TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scalars (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			step INTEGER NOT NULL,
			value REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS scalars_by_run ON scalars (run_id, name, step);
		CREATE TABLE IF NOT EXISTS figures (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			PRIMARY KEY (run_id, name)
		);
	`)
	return errors.Wrap(err, "creating tracker schema")
}
