package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when a run ID has no ledger row.
var ErrRunNotFound = errors.New("run not found")

// RunCounters are the cumulative counters of one pipeline run.
type RunCounters struct {
	Packets   int64 `json:"packets"`
	Bytes     int64 `json:"bytes"`
	Accepted  int64 `json:"accepted"`
	Discarded int64 `json:"discarded"`
	Dropped   int64 `json:"dropped"`
	Decoded   int64 `json:"decoded"`
	Malformed int64 `json:"malformed"`
}

// Run is one row of the run ledger.
type Run struct {
	RunID         string      `json:"run_id"`
	Source        string      `json:"source"`
	ListenAddress string      `json:"listen_address"`
	GridSide      int         `json:"grid_side"`
	QueueCapacity int         `json:"queue_capacity"`
	StartedAt     time.Time   `json:"started_at"`
	StoppedAt     *time.Time  `json:"stopped_at,omitempty"`
	Counters      RunCounters `json:"counters"`
	ExitError     string      `json:"exit_error,omitempty"`
}

// StartRun inserts the ledger row for a run that has just started.
func (db *DB) StartRun(r Run) error {
	if r.RunID == "" {
		return fmt.Errorf("start run: empty run id")
	}
	_, err := db.Exec(`
		INSERT INTO pipeline_runs (
			run_id, source, listen_address, grid_side, queue_capacity, started_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Source, r.ListenAddress, r.GridSide, r.QueueCapacity, r.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("start run %s: %w", r.RunID, err)
	}
	return nil
}

// FinishRun records the stop time, final counters and exit error of a run.
func (db *DB) FinishRun(runID string, stoppedAt time.Time, c RunCounters, exitErr error) error {
	msg := ""
	if exitErr != nil {
		msg = exitErr.Error()
	}
	res, err := db.Exec(`
		UPDATE pipeline_runs
		   SET stopped_unix_nanos = ?
		     , packets = ?
		     , bytes = ?
		     , accepted = ?
		     , discarded = ?
		     , dropped = ?
		     , decoded = ?
		     , malformed = ?
		     , exit_error = ?
		 WHERE run_id = ?`,
		stoppedAt.UnixNano(), c.Packets, c.Bytes, c.Accepted, c.Discarded, c.Dropped,
		c.Decoded, c.Malformed, msg, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// RecordRunStats appends a periodic counter sample for a running run.
func (db *DB) RecordRunStats(runID string, at time.Time, c RunCounters, queueLen int) error {
	_, err := db.Exec(`
		INSERT INTO pipeline_run_stats (
			run_id, taken_unix_nanos, packets, bytes, accepted, discarded, dropped, decoded, malformed, queue_len
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, at.UnixNano(), c.Packets, c.Bytes, c.Accepted, c.Discarded, c.Dropped,
		c.Decoded, c.Malformed, queueLen,
	)
	if err != nil {
		return fmt.Errorf("record stats for run %s: %w", runID, err)
	}
	return nil
}

// CountRunStats returns how many periodic samples exist for a run.
func (db *DB) CountRunStats(runID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pipeline_run_stats WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

const runColumns = `
	run_id, source, listen_address, grid_side, queue_capacity,
	started_unix_nanos, stopped_unix_nanos,
	packets, bytes, accepted, discarded, dropped, decoded, malformed, exit_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r       Run
		started int64
		stopped sql.NullInt64
	)
	err := row.Scan(
		&r.RunID, &r.Source, &r.ListenAddress, &r.GridSide, &r.QueueCapacity,
		&started, &stopped,
		&r.Counters.Packets, &r.Counters.Bytes, &r.Counters.Accepted, &r.Counters.Discarded,
		&r.Counters.Dropped, &r.Counters.Decoded, &r.Counters.Malformed, &r.ExitError,
	)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if stopped.Valid {
		t := time.Unix(0, stopped.Int64).UTC()
		r.StoppedAt = &t
	}
	return r, nil
}

// GetRun returns a single run by ID.
func (db *DB) GetRun(runID string) (Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM pipeline_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
