package forecast

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/cityweather/internal/cache"
	"github.com/lox/cityweather/internal/metrics"
	"github.com/lox/cityweather/internal/models"
)

var (
	// ErrInfeasible means the history is too short or degenerate to fit.
	ErrInfeasible     = errors.New("forecast infeasible")
	ErrInvalidHorizon = errors.New("invalid forecast horizon")
)

const (
	// MinHistory is two weekly cycles of daily data.
	MinHistory     = 14
	MaxHorizon     = 366
	DefaultHorizon = 7
)

// memoOp names forecast entries in the memo cache.
const memoOp = "forecast"

// ResultStore is an optional second cache tier that outlives the in-memory
// memo, such as the SQLite store.
type ResultStore interface {
	GetForecast(key string) (*models.ForecastResult, error)
	PutForecast(key string, r *models.ForecastResult) error
}

// Engine produces future-only forecasts for a time series. It is safe for
// concurrent use; results are memoized by series content and horizon.
type Engine struct {
	model    Model
	modelKey string
	memo     *cache.LRU[*models.ForecastResult]
	store    ResultStore
}

func NewEngine(model Model, memo *cache.LRU[*models.ForecastResult]) *Engine {
	if model == nil {
		model = NewAdditiveModel(DefaultAdditiveConfig())
	}
	if memo == nil {
		memo = cache.New[*models.ForecastResult](256, 0)
	}
	return &Engine{model: model, modelKey: modelKey(model), memo: memo}
}

// modelKey identifies a model and its tuning so a stored result is never
// served for a differently configured model.
func modelKey(m Model) string {
	if p, ok := m.(interface{ Params() any }); ok {
		return cache.Fingerprint(m.Name(), p.Params())
	}
	return m.Name()
}

// SetResultStore configures a persistent cache tier consulted after the
// in-memory memo.
func (e *Engine) SetResultStore(s ResultStore) {
	e.store = s
}

func (e *Engine) ModelName() string { return e.model.Name() }

func (e *Engine) MemoStats() cache.Stats { return e.memo.Stats() }

// Invalidate drops every memoized forecast. Call it when the underlying
// dataset changes.
func (e *Engine) Invalidate() int {
	return e.memo.InvalidateOp(memoOp)
}

// Forecast fits the series and predicts horizon daily values following its
// last observation. The result never contains history. For non-negative
// metrics every value and bound is clipped at zero.
func (e *Engine) Forecast(series models.TimeSeries, horizon int) (*models.ForecastResult, error) {
	if horizon < 1 || horizon > MaxHorizon {
		return nil, fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidHorizon, horizon, MaxHorizon)
	}
	if !series.Metric.Valid() {
		return nil, fmt.Errorf("forecast %s: %w: %q", series.City, models.ErrUnknownMetric, series.Metric)
	}
	if err := checkHistory(series); err != nil {
		metrics.ForecastFitsTotal.WithLabelValues(string(series.Metric), "infeasible").Inc()
		return nil, fmt.Errorf("forecast %s/%s: %w", series.City, series.Metric, err)
	}

	key := cache.Key{Op: memoOp, Fingerprint: fingerprint(e.modelKey, series, horizon)}
	if r, ok := e.memo.Get(key); ok {
		return clone(r), nil
	}
	if e.store != nil {
		r, err := e.store.GetForecast(key.Fingerprint)
		if err != nil {
			log.Printf("forecast: read stored result: %v", err)
		} else if r != nil {
			e.memo.Put(key, r)
			return clone(r), nil
		}
	}

	start := time.Now()
	r, err := e.fit(series, horizon)
	metrics.ForecastFitLatency.WithLabelValues(string(series.Metric)).Observe(time.Since(start).Seconds())
	if err != nil {
		status := "error"
		if errors.Is(err, ErrInfeasible) {
			status = "infeasible"
		}
		metrics.ForecastFitsTotal.WithLabelValues(string(series.Metric), status).Inc()
		return nil, fmt.Errorf("forecast %s/%s: %w", series.City, series.Metric, err)
	}
	metrics.ForecastFitsTotal.WithLabelValues(string(series.Metric), "success").Inc()
	log.Printf("forecast: fitted %s/%s on %d points, horizon %d in %s",
		series.City, series.Metric, series.Len(), horizon, time.Since(start).Round(time.Millisecond))

	e.memo.Put(key, r)
	if e.store != nil {
		if err := e.store.PutForecast(key.Fingerprint, r); err != nil {
			log.Printf("forecast: store result: %v", err)
		}
	}
	return clone(r), nil
}

func (e *Engine) fit(series models.TimeSeries, horizon int) (*models.ForecastResult, error) {
	last := series.Last()
	future := FutureDays(last, horizon)

	raw, err := e.model.FitPredict(series, future)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInfeasible, err)
	}
	if len(raw) != horizon {
		return nil, fmt.Errorf("model %s returned %d predictions, want %d", e.model.Name(), len(raw), horizon)
	}

	nonNegative := series.Metric.Kind().NonNegative()
	points := make([]models.ForecastPoint, horizon)
	for i, p := range raw {
		if !finite(p.Value) || !finite(p.Lower) || !finite(p.Upper) {
			return nil, fmt.Errorf("%w: non-finite prediction for %s", ErrInfeasible, future[i].Format("2006-01-02"))
		}
		p.Time = future[i]
		p = order(p)
		if nonNegative {
			p = clipAtZero(p)
		}
		points[i] = p
	}

	return &models.ForecastResult{
		City:         series.City,
		Metric:       series.Metric,
		Horizon:      horizon,
		LastObserved: last,
		Model:        e.model.Name(),
		Points:       points,
	}, nil
}

// FutureDays returns n consecutive days following last.
func FutureDays(last time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = last.AddDate(0, 0, i+1)
	}
	return out
}

func checkHistory(s models.TimeSeries) error {
	if s.Len() < MinHistory {
		return fmt.Errorf("%w: %d points, need at least %d", ErrInfeasible, s.Len(), MinHistory)
	}
	values := make([]float64, s.Len())
	for i, p := range s.Points {
		if i > 0 && !p.Time.After(s.Points[i-1].Time) {
			return fmt.Errorf("%w: timestamps not strictly ascending at %s", ErrInfeasible, p.Time.Format("2006-01-02"))
		}
		if !finite(p.Value) {
			return fmt.Errorf("%w: non-finite value at %s", ErrInfeasible, p.Time.Format("2006-01-02"))
		}
		values[i] = p.Value
	}
	if v := stat.Variance(values, nil); v == 0 || math.IsNaN(v) {
		return fmt.Errorf("%w: series has no variance", ErrInfeasible)
	}
	return nil
}

// order makes Lower <= Value <= Upper without moving Value.
func order(p models.ForecastPoint) models.ForecastPoint {
	if p.Lower > p.Upper {
		p.Lower, p.Upper = p.Upper, p.Lower
	}
	p.Lower = math.Min(p.Lower, p.Value)
	p.Upper = math.Max(p.Upper, p.Value)
	return p
}

// clipAtZero clips each field independently. Ordering survives because
// max(0, x) is monotonic.
func clipAtZero(p models.ForecastPoint) models.ForecastPoint {
	p.Value = math.Max(0, p.Value)
	p.Lower = math.Max(0, p.Lower)
	p.Upper = math.Max(0, p.Upper)
	return p
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func fingerprint(model string, s models.TimeSeries, horizon int) string {
	pts := make([][2]float64, len(s.Points))
	for i, p := range s.Points {
		pts[i] = [2]float64{float64(p.Time.Unix()), p.Value}
	}
	return cache.Fingerprint(model, s.City, s.Metric, horizon, pts)
}

func clone(r *models.ForecastResult) *models.ForecastResult {
	c := *r
	c.Points = append([]models.ForecastPoint(nil), r.Points...)
	return &c
}
