// Package dashboard serves per-request views over the shared dataset
// snapshot: history, KPIs, forecasts with advisories, comparisons and the
// all-city report. Every call recomputes from the current snapshot; the
// snapshot is reloaded on demand when the source file changes.
package dashboard

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lox/cityweather/internal/cache"
	"github.com/lox/cityweather/internal/cities"
	"github.com/lox/cityweather/internal/forecast"
	"github.com/lox/cityweather/internal/ingest"
	"github.com/lox/cityweather/internal/models"
	"github.com/lox/cityweather/internal/series"
	"github.com/lox/cityweather/internal/store"
	"github.com/lox/cityweather/internal/views"
)

// ErrInvalidInput marks a request that can never succeed as given.
var ErrInvalidInput = errors.New("invalid input")

const (
	defaultKeepPayloads = 5
	// lastLoadScan bounds how far back a reload looks for the previous
	// successful load.
	lastLoadScan = 50
)

type Options struct {
	// Horizon is used when a request asks for horizon 0.
	Horizon int
	// Workers bounds concurrent cities in Report.
	Workers int
	// KeepPayloads is how many archived dataset versions the store retains.
	KeepPayloads int
}

type Service struct {
	path   string
	loader *ingest.Loader
	engine *forecast.Engine
	store  *store.Store
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	failing bool
}

// New wires a service over the dataset at path. st may be nil; when set it
// archives source content, audits loads and backs the forecast memo.
func New(path string, loader *ingest.Loader, engine *forecast.Engine, st *store.Store, opts Options) *Service {
	if opts.Horizon < 1 {
		opts.Horizon = forecast.DefaultHorizon
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.KeepPayloads < 1 {
		opts.KeepPayloads = defaultKeepPayloads
	}
	if st != nil {
		loader.SetArchiver(st)
		engine.SetResultStore(st)
	}
	return &Service{path: path, loader: loader, engine: engine, store: st, opts: opts, now: time.Now}
}

// Snapshot returns the current dataset, reloading it if the file content
// has changed since the last call. A change drops every memoized forecast
// and, with a store, trims the payload archive and clears stored forecasts
// made from different content.
func (s *Service) Snapshot() (*ingest.Snapshot, error) {
	snap, changed, err := s.loader.Load(s.path)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	if changed {
		dropped := s.engine.Invalidate()
		log.Printf("dashboard: loaded %s (%d rows, %d cities, %d dropped dates), invalidated %d forecasts",
			s.path, snap.Len(), len(snap.Cities()), snap.Stats.DroppedDates, dropped)
		s.recordLoad(snap)
	}
	s.mu.Lock()
	s.failing = false
	s.mu.Unlock()
	return snap, nil
}

func (s *Service) recordLoad(snap *ingest.Snapshot) {
	if s.store == nil {
		return
	}
	prev, err := s.lastLoadedFingerprint()
	if err != nil {
		log.Printf("dashboard: read load history: %v", err)
	}
	defer s.retain(prev, snap.Fingerprint)

	run, err := s.store.StartLoadRun(s.path)
	if err != nil {
		log.Printf("dashboard: start load run: %v", err)
		return
	}
	flags := 0
	for _, n := range snap.Stats.Flags {
		flags += n
	}
	run.Format = sql.NullString{String: snap.Stats.Format, Valid: true}
	run.Convention = sql.NullString{String: snap.Stats.Convention, Valid: true}
	run.Fingerprint = sql.NullString{String: snap.Fingerprint, Valid: true}
	run.RowsRead = sql.NullInt64{Int64: int64(snap.Stats.Rows), Valid: true}
	run.RowsKept = sql.NullInt64{Int64: int64(snap.Stats.Kept), Valid: true}
	run.DroppedDates = sql.NullInt64{Int64: int64(snap.Stats.DroppedDates), Valid: true}
	run.DroppedCities = sql.NullInt64{Int64: int64(snap.Stats.DroppedCities), Valid: true}
	run.QualityFlags = sql.NullInt64{Int64: int64(flags), Valid: true}
	run.Success = true
	if err := s.store.CompleteLoadRun(run); err != nil {
		log.Printf("dashboard: complete load run: %v", err)
	}
}

// lastLoadedFingerprint returns the content fingerprint of the most recent
// successful load, or "" when there is none.
func (s *Service) lastLoadedFingerprint() (string, error) {
	runs, err := s.store.RecentLoadRuns(lastLoadScan)
	if err != nil {
		return "", err
	}
	for _, r := range runs {
		if r.Success && r.Fingerprint.Valid {
			return r.Fingerprint.String, nil
		}
	}
	return "", nil
}

// retain bounds what the store keeps across reloads. Stored forecasts are
// only cleared when the content differs from the last successful load, so a
// restart over the same file keeps them.
func (s *Service) retain(prev, current string) {
	pruned, err := s.store.PrunePayloads(s.opts.KeepPayloads)
	if err != nil {
		log.Printf("dashboard: prune payloads: %v", err)
	}
	var cleared int64
	if prev != "" && prev != current {
		if cleared, err = s.store.ClearForecasts(); err != nil {
			log.Printf("dashboard: clear stored forecasts: %v", err)
		}
	}
	if pruned > 0 || cleared > 0 {
		log.Printf("dashboard: pruned %d payloads, cleared %d stored forecasts", pruned, cleared)
	}
}

// recordFailure audits the first failure of a run of failed loads.
func (s *Service) recordFailure(loadErr error) {
	s.mu.Lock()
	first := !s.failing
	s.failing = true
	s.mu.Unlock()
	if !first {
		return
	}
	log.Printf("dashboard: load %s: %v", s.path, loadErr)
	if s.store == nil {
		return
	}
	run, err := s.store.StartLoadRun(s.path)
	if err != nil {
		log.Printf("dashboard: start load run: %v", err)
		return
	}
	run.ErrorMessage = sql.NullString{String: loadErr.Error(), Valid: true}
	if err := s.store.CompleteLoadRun(run); err != nil {
		log.Printf("dashboard: complete load run: %v", err)
	}
}

// Cities lists the cities in the dataset with their reference coordinates
// where known.
func (s *Service) Cities() ([]models.City, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	names := snap.Cities()
	out := make([]models.City, len(names))
	for i, name := range names {
		if c, ok := cities.Lookup(name); ok {
			out[i] = c
			continue
		}
		out[i] = models.City{Name: name}
	}
	return out, nil
}

// KPIs rolls up the filtered records. An empty city covers all cities.
func (s *Service) KPIs(f views.Filter) (views.KPI, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return views.KPI{}, err
	}
	if f.City != "" {
		f.City = cities.Canonical(f.City)
	}
	return views.KPIs(snap.Records(), f)
}

// HistoryView is an observed series together with the full span of dates
// recorded for its city, so a client can offer the rest of the range.
type HistoryView struct {
	Series models.TimeSeries `json:"series"`
	First  time.Time         `json:"first"`
	Last   time.Time         `json:"last"`
}

// History returns the observed series for city within rng.
func (s *Service) History(city string, metric models.Metric, rng views.Range) (*HistoryView, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	city, err = requireCity(city)
	if err != nil {
		return nil, err
	}
	if !rng.Valid() {
		return nil, fmt.Errorf("history: %w: range ends before it starts", ErrInvalidInput)
	}
	ts, err := series.Extract(snap.Records(), city, metric)
	if err != nil {
		return nil, err
	}
	ts = series.Window(ts, rng.From, rng.To)
	if ts.Len() == 0 {
		return nil, fmt.Errorf("history %s/%s: %w", city, metric, views.ErrEmptySelection)
	}
	first, last, _ := views.Span(snap.Records(), city)
	return &HistoryView{Series: ts, First: first, Last: last}, nil
}

type ForecastView struct {
	Forecast *models.ForecastResult `json:"forecast"`
	Summary  models.Summary         `json:"summary"`
	Advisory models.Advisory        `json:"advisory"`
}

// Forecast predicts metric for city over horizon days following its last
// observation. horizon 0 uses the configured default.
func (s *Service) Forecast(city string, metric models.Metric, horizon int) (*ForecastView, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return s.forecast(snap, city, metric, horizon)
}

func (s *Service) forecast(snap *ingest.Snapshot, city string, metric models.Metric, horizon int) (*ForecastView, error) {
	city, err := requireCity(city)
	if err != nil {
		return nil, err
	}
	if horizon == 0 {
		horizon = s.opts.Horizon
	}
	ts, err := series.Extract(snap.Records(), city, metric)
	if err != nil {
		return nil, err
	}
	if ts.Len() == 0 && !hasCity(snap, city) {
		return nil, fmt.Errorf("forecast %s: %w", city, views.ErrEmptySelection)
	}
	r, err := s.engine.Forecast(ts, horizon)
	if err != nil {
		return nil, err
	}
	sum, adv, err := forecast.Summarize(r)
	if err != nil {
		return nil, err
	}
	return &ForecastView{Forecast: r, Summary: sum, Advisory: adv}, nil
}

type Insights struct {
	City        string        `json:"city"`
	Horizon     int           `json:"horizon"`
	Temperature *ForecastView `json:"temperature"`
	Rainfall    *ForecastView `json:"rainfall"`
	Narrative   string        `json:"narrative"`
}

// Insights forecasts average temperature and rainfall for city and
// describes both in one paragraph.
func (s *Service) Insights(city string, horizon int) (*Insights, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return s.insights(snap, city, horizon)
}

func (s *Service) insights(snap *ingest.Snapshot, city string, horizon int) (*Insights, error) {
	city, err := requireCity(city)
	if err != nil {
		return nil, err
	}
	temp, err := s.forecast(snap, city, models.MetricAvgTemp, horizon)
	if err != nil {
		return nil, err
	}
	rain, err := s.forecast(snap, city, models.MetricRainfall, horizon)
	if err != nil {
		return nil, err
	}
	text, err := forecast.Narrative(city, temp.Forecast, rain.Forecast)
	if err != nil {
		return nil, err
	}
	return &Insights{
		City:        city,
		Horizon:     temp.Forecast.Horizon,
		Temperature: temp,
		Rainfall:    rain,
		Narrative:   text,
	}, nil
}

// Compare lines up metric across the named cities within rng.
func (s *Service) Compare(names []string, metric models.Metric, rng views.Range) (*views.Comparison, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	canon := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			canon = append(canon, cities.Canonical(n))
		}
	}
	if len(canon) == 0 {
		return nil, fmt.Errorf("compare: %w: no cities given", ErrInvalidInput)
	}
	return views.Compare(snap.Records(), canon, metric, rng)
}

type Health struct {
	Status      string    `json:"status"`
	Source      string    `json:"source"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Rows        int       `json:"rows"`
	Cities      int       `json:"cities"`
	Through     time.Time `json:"through,omitempty"`
	Model       string    `json:"model"`
	Error       string    `json:"error,omitempty"`

	Memo  cache.Stats  `json:"memo"`
	Store *StoreHealth `json:"store,omitempty"`
}

// StoreHealth summarizes what the store holds. Loads counts the audited
// loads of the last day.
type StoreHealth struct {
	Loads           LoadCounts `json:"loads_24h"`
	LastLoad        *LastLoad  `json:"last_load,omitempty"`
	Payloads        int        `json:"payloads"`
	PayloadBytes    int64      `json:"payload_bytes"`
	ArchivedBytes   int64      `json:"archived_bytes"`
	StoredForecasts int        `json:"stored_forecasts"`
}

type LoadCounts struct {
	Total    int   `json:"total"`
	Success  int   `json:"success"`
	Failed   int   `json:"failed"`
	RowsKept int64 `json:"rows_kept"`
}

type LastLoad struct {
	StartedAt time.Time `json:"started_at"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Health reports whether the dataset is currently loadable, along with
// forecast memo and store occupancy.
func (s *Service) Health() Health {
	h := Health{Status: "ok", Source: s.path, Model: s.engine.ModelName()}
	if snap, err := s.Snapshot(); err != nil {
		h.Status = "error"
		h.Error = err.Error()
	} else {
		h.Fingerprint = snap.Fingerprint
		h.Rows = snap.Len()
		h.Cities = len(snap.Cities())
		for _, r := range snap.Records() {
			if r.Date.After(h.Through) {
				h.Through = r.Date
			}
		}
	}
	h.Memo = s.engine.MemoStats()
	h.Store = s.storeHealth()
	return h
}

func (s *Service) storeHealth() *StoreHealth {
	if s.store == nil {
		return nil
	}
	var sh StoreHealth
	lh, err := s.store.LoadHealthSince(s.now().Add(-24 * time.Hour))
	if err != nil {
		log.Printf("dashboard: load health: %v", err)
		return nil
	}
	sh.Loads = LoadCounts{Total: lh.TotalRuns, Success: lh.SuccessRuns, Failed: lh.FailedRuns, RowsKept: lh.RowsKept}

	runs, err := s.store.RecentLoadRuns(1)
	if err != nil {
		log.Printf("dashboard: recent loads: %v", err)
		return nil
	}
	if len(runs) == 1 {
		sh.LastLoad = &LastLoad{StartedAt: runs[0].StartedAt, Success: runs[0].Success, Error: runs[0].ErrorMessage.String}
	}

	ps, err := s.store.GetPayloadStats()
	if err != nil {
		log.Printf("dashboard: payload stats: %v", err)
		return nil
	}
	sh.Payloads, sh.PayloadBytes, sh.ArchivedBytes = ps.Count, ps.RawBytes, ps.CompressedBytes

	if sh.StoredForecasts, err = s.store.CountForecasts(); err != nil {
		log.Printf("dashboard: count forecasts: %v", err)
		return nil
	}
	return &sh
}

func requireCity(name string) (string, error) {
	name = cities.Canonical(name)
	if name == "" {
		return "", fmt.Errorf("%w: city is required", ErrInvalidInput)
	}
	return name, nil
}

func hasCity(snap *ingest.Snapshot, city string) bool {
	for _, c := range snap.Cities() {
		if c == city {
			return true
		}
	}
	return false
}
