package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// LoadRun audits one attempt to load a dataset file.
type LoadRun struct {
	ID            string
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	Source        string
	Format        sql.NullString
	Convention    sql.NullString
	Fingerprint   sql.NullString
	RowsRead      sql.NullInt64
	RowsKept      sql.NullInt64
	DroppedDates  sql.NullInt64
	DroppedCities sql.NullInt64
	QualityFlags  sql.NullInt64 // total flagged values across all checks
	Success       bool
	ErrorMessage  sql.NullString
}

// StartLoadRun creates a new load run record and returns it.
func (s *Store) StartLoadRun(source string) (*LoadRun, error) {
	run := &LoadRun{
		ID:        uuid.NewString(),
		StartedAt: s.now().UTC(),
		Source:    source,
	}

	err := retry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO load_runs (id, started_at, source, success)
			VALUES (?, ?, ?, FALSE)
		`, run.ID, run.StartedAt, run.Source)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteLoadRun updates the load run with results.
func (s *Store) CompleteLoadRun(run *LoadRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: s.now().UTC(), Valid: true}

	return retry(func() error {
		_, err := s.db.Exec(`
			UPDATE load_runs SET
				finished_at = ?,
				format = ?,
				convention = ?,
				fingerprint = ?,
				rows_read = ?,
				rows_kept = ?,
				dropped_dates = ?,
				dropped_cities = ?,
				quality_flags = ?,
				success = ?,
				error_message = ?
			WHERE id = ?
		`, run.FinishedAt, run.Format, run.Convention, run.Fingerprint, run.RowsRead,
			run.RowsKept, run.DroppedDates, run.DroppedCities, run.QualityFlags,
			run.Success, run.ErrorMessage, run.ID)
		return err
	})
}

// RecentLoadRuns returns the most recent load runs, newest first.
func (s *Store) RecentLoadRuns(limit int) ([]LoadRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, source, format, convention, fingerprint,
			   rows_read, rows_kept, dropped_dates, dropped_cities, quality_flags,
			   success, error_message
		FROM load_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LoadRun
	for rows.Next() {
		var r LoadRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Format,
			&r.Convention, &r.Fingerprint, &r.RowsRead, &r.RowsKept, &r.DroppedDates,
			&r.DroppedCities, &r.QualityFlags, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LoadHealth summarizes load runs since a point in time.
type LoadHealth struct {
	TotalRuns   int
	SuccessRuns int
	FailedRuns  int
	RowsKept    int64
}

func (s *Store) LoadHealthSince(since time.Time) (LoadHealth, error) {
	var h LoadHealth
	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN NOT success THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(rows_kept), 0)
		FROM load_runs
		WHERE started_at >= ?
	`, since.UTC()).Scan(&h.TotalRuns, &h.SuccessRuns, &h.FailedRuns, &h.RowsKept)
	return h, err
}
