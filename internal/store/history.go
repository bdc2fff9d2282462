// Package store persists finished latency measurements in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"cablectl/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// History is the probe measurement log.
type History struct {
	db *sql.DB
}

// Open creates or opens the history database at path. WAL mode keeps reads
// from the control API cheap while the probe writes.
func Open(path string) (*History, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// Record stores a measurement, replacing an earlier record of the same run.
func (h *History) Record(ctx context.Context, m model.LatencyMeasurement) error {
	if m.RunID == "" {
		return errors.New("measurement has no run id")
	}
	_, err := h.db.ExecContext(ctx, `
INSERT INTO measurements (run_id, source, sink, status, latency_ns, error_code, error, raw_output, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
    status = excluded.status,
    latency_ns = excluded.latency_ns,
    error_code = excluded.error_code,
    error = excluded.error,
    raw_output = excluded.raw_output,
    finished_at = excluded.finished_at`,
		m.RunID, uint32(m.Source), uint32(m.Sink), m.Status.String(), int64(m.Latency),
		string(m.ErrorCode), m.Error, m.RawOutput, m.StartedAt.UnixNano(), m.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record %s: %w", m.RunID, err)
	}
	return nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Source model.NodeID
	Sink   model.NodeID
	Status model.ProbeStatus
	Since  time.Time
	Limit  int
}

const columns = `run_id, source, sink, status, latency_ns, error_code, error, raw_output, started_at, finished_at`

// List returns measurements, newest first.
func (h *History) List(ctx context.Context, f Filter) ([]model.LatencyMeasurement, error) {
	var (
		where []string
		args  []any
	)
	if f.Source != 0 {
		where = append(where, "source = ?")
		args = append(args, uint32(f.Source))
	}
	if f.Sink != 0 {
		where = append(where, "sink = ?")
		args = append(args, uint32(f.Sink))
	}
	if f.Status != model.ProbeIdle {
		where = append(where, "status = ?")
		args = append(args, f.Status.String())
	}
	if !f.Since.IsZero() {
		where = append(where, "finished_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	q := "SELECT " + columns + " FROM measurements"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY finished_at DESC, run_id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	defer rows.Close()

	var out []model.LatencyMeasurement
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get returns one measurement by run id.
func (h *History) Get(ctx context.Context, runID string) (model.LatencyMeasurement, error) {
	row := h.db.QueryRowContext(ctx, "SELECT "+columns+" FROM measurements WHERE run_id = ?", runID)
	m, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LatencyMeasurement{}, model.Errorf(model.CodeUnknownObject, "measurement %s not found", runID)
	}
	return m, err
}

// Prune keeps the newest keep measurements and deletes the rest.
func (h *History) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := h.db.ExecContext(ctx, `
DELETE FROM measurements WHERE run_id NOT IN (
    SELECT run_id FROM measurements ORDER BY finished_at DESC, run_id LIMIT ?
)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune measurements: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (model.LatencyMeasurement, error) {
	var (
		m                 model.LatencyMeasurement
		source, sink      uint32
		status, code      string
		latency           int64
		started, finished int64
	)
	if err := s.Scan(&m.RunID, &source, &sink, &status, &latency, &code, &m.Error, &m.RawOutput, &started, &finished); err != nil {
		return model.LatencyMeasurement{}, err
	}
	if err := m.Status.UnmarshalText([]byte(status)); err != nil {
		return model.LatencyMeasurement{}, err
	}
	m.Source = model.NodeID(source)
	m.Sink = model.NodeID(sink)
	m.Latency = time.Duration(latency)
	m.ErrorCode = model.ErrorCode(code)
	m.StartedAt = time.Unix(0, started).UTC()
	m.FinishedAt = time.Unix(0, finished).UTC()
	return m, nil
}
