package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/cityweather/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestMigrateIdempotent(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("version = %d, want %d", v, len(migrations))
	}
}

func TestOpenMemory(t *testing.T) {
	store, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if n, err := store.CountForecasts(); err != nil || n != 0 {
		t.Fatalf("CountForecasts = %d, %v", n, err)
	}
}

func TestLoadRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	run, err := store.StartLoadRun("data/ap_weather.csv")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(run.ID) != 36 {
		t.Errorf("run ID %q is not a UUID", run.ID)
	}

	run.Format = sql.NullString{String: "csv", Valid: true}
	run.Fingerprint = sql.NullString{String: "abc123", Valid: true}
	run.RowsRead = sql.NullInt64{Int64: 90, Valid: true}
	run.RowsKept = sql.NullInt64{Int64: 88, Valid: true}
	run.DroppedDates = sql.NullInt64{Int64: 2, Valid: true}
	run.Success = true
	if err := store.CompleteLoadRun(run); err != nil {
		t.Fatalf("complete: %v", err)
	}

	failed, err := store.StartLoadRun("data/missing.csv")
	if err != nil {
		t.Fatalf("start failed run: %v", err)
	}
	failed.ErrorMessage = sql.NullString{String: "data unavailable", Valid: true}
	if err := store.CompleteLoadRun(failed); err != nil {
		t.Fatalf("complete failed run: %v", err)
	}

	runs, err := store.RecentLoadRuns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	var got *LoadRun
	for i := range runs {
		if runs[i].ID == run.ID {
			got = &runs[i]
		}
	}
	if got == nil {
		t.Fatalf("run %s not returned", run.ID)
	}
	if !got.Success || got.RowsKept.Int64 != 88 || got.Fingerprint.String != "abc123" {
		t.Errorf("unexpected run %+v", got)
	}
	if !got.FinishedAt.Valid {
		t.Error("finished_at not recorded")
	}

	h, err := store.LoadHealthSince(base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.TotalRuns != 2 || h.SuccessRuns != 1 || h.FailedRuns != 1 || h.RowsKept != 88 {
		t.Errorf("health = %+v", h)
	}
}

func TestCompleteNilRun(t *testing.T) {
	store := setupTestStore(t)
	if err := store.CompleteLoadRun(nil); err != nil {
		t.Errorf("CompleteLoadRun(nil) = %v", err)
	}
}

func TestArchivePayload(t *testing.T) {
	store := setupTestStore(t)
	data := []byte(strings.Repeat("date,city,avg_temperature,rainfall\n2024-01-01,Visakhapatnam,27.5,0\n", 200))

	if err := store.ArchivePayload("ap.csv", "fp1", data); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := store.ArchivePayload("ap.csv", "fp1", data); err != nil {
		t.Fatalf("archive duplicate: %v", err)
	}

	got, err := store.GetPayload("fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("payload round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}

	missing, err := store.GetPayload("nope")
	if err != nil || missing != nil {
		t.Errorf("GetPayload(nope) = %v, %v; want nil, nil", missing, err)
	}

	st, err := store.GetPayloadStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Count != 1 {
		t.Errorf("count = %d, want 1 after duplicate", st.Count)
	}
	if st.RawBytes != int64(len(data)) || st.CompressedBytes >= st.RawBytes {
		t.Errorf("stats = %+v", st)
	}
}

func TestPrunePayloads(t *testing.T) {
	store := setupTestStore(t)
	for i := 0; i < 4; i++ {
		fp := fmt.Sprintf("fp%d", i)
		if err := store.ArchivePayload("ap.csv", fp, []byte(fp)); err != nil {
			t.Fatalf("archive %s: %v", fp, err)
		}
	}

	n, err := store.PrunePayloads(1)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned %d, want 3", n)
	}
	if got, _ := store.GetPayload("fp3"); string(got) != "fp3" {
		t.Errorf("newest payload pruned")
	}
}

func TestForecastCache(t *testing.T) {
	store := setupTestStore(t)
	last := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	r := &models.ForecastResult{
		City:         "Guntur",
		Metric:       models.MetricRainfall,
		Horizon:      2,
		LastObserved: last,
		Model:        "additive",
		Points: []models.ForecastPoint{
			{Time: last.AddDate(0, 0, 1), Value: 1.5, Lower: 0, Upper: 4},
			{Time: last.AddDate(0, 0, 2), Value: 0.5, Lower: 0, Upper: 3},
		},
	}

	got, err := store.GetForecast("k1")
	if err != nil || got != nil {
		t.Fatalf("empty cache returned %v, %v", got, err)
	}

	if err := store.PutForecast("k1", r); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutForecast("k1", r); err != nil {
		t.Fatalf("put again: %v", err)
	}

	got, err = store.GetForecast("k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.City != "Guntur" || len(got.Points) != 2 {
		t.Fatalf("got %+v", got)
	}
	if !got.Points[1].Time.Equal(r.Points[1].Time) || got.Points[1].Upper != 3 {
		t.Errorf("point mismatch: %+v", got.Points[1])
	}

	n, err := store.ClearForecasts()
	if err != nil || n != 1 {
		t.Errorf("ClearForecasts = %d, %v; want 1", n, err)
	}
}

type codedErr int

func (e codedErr) Error() string { return fmt.Sprintf("sqlite error %d", int(e)) }
func (e codedErr) Code() int     { return int(e) }

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{codedErr(5), true},
		{codedErr(6), true},
		{codedErr(517), true}, // SQLITE_BUSY_SNAPSHOT
		{codedErr(19), false},
		{fmt.Errorf("insert: %w", codedErr(5)), true},
		{errors.New("database is locked"), true},
		{errors.New("no such table"), false},
	}
	for _, tt := range tests {
		if got := isBusy(tt.err); got != tt.want {
			t.Errorf("isBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := retry(func() error {
		calls++
		return errors.New("constraint failed")
	})
	if err == nil || calls != 1 {
		t.Errorf("retry = %v after %d calls, want error after 1", err, calls)
	}

	calls = 0
	err = retry(func() error {
		calls++
		if calls < 3 {
			return codedErr(5)
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("retry = %v after %d calls, want success after 3", err, calls)
	}
}
