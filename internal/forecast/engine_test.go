package forecast

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lox/cityweather/internal/models"
)

var seriesStart = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func makeSeries(metric models.Metric, n int, f func(d int) float64) models.TimeSeries {
	ts := models.TimeSeries{City: "Tirupati", Metric: metric}
	for d := 0; d < n; d++ {
		ts.Points = append(ts.Points, models.Point{Time: seriesStart.AddDate(0, 0, d), Value: f(d)})
	}
	return ts
}

func seasonalTemp(d int) float64 {
	return 25 + 5*math.Sin(2*math.Pi*float64(d)/365.25) + 0.3*math.Sin(1.7*float64(d))
}

type stubModel struct {
	calls int
	err   error
	fn    func(i int, t time.Time) models.ForecastPoint
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) FitPredict(_ models.TimeSeries, future []time.Time) ([]models.ForecastPoint, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]models.ForecastPoint, len(future))
	for i, t := range future {
		out[i] = m.fn(i, t)
	}
	return out, nil
}

type memStore struct {
	data map[string]*models.ForecastResult
	puts int
}

func (s *memStore) GetForecast(key string) (*models.ForecastResult, error) {
	return s.data[key], nil
}

func (s *memStore) PutForecast(key string, r *models.ForecastResult) error {
	s.data[key] = r
	s.puts++
	return nil
}

func TestForecastSeasonalTemperature(t *testing.T) {
	series := makeSeries(models.MetricAvgTemp, 400, seasonalTemp)
	e := NewEngine(nil, nil)

	r, err := e.Forecast(series, 7)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(r.Points) != 7 {
		t.Fatalf("len(Points) = %d, want 7", len(r.Points))
	}
	if r.Model != "additive" {
		t.Errorf("Model = %q, want additive", r.Model)
	}

	var recent float64
	for _, p := range series.Points[len(series.Points)-30:] {
		recent += p.Value
	}
	recent /= 30

	for i, p := range r.Points {
		if !finite(p.Value) {
			t.Fatalf("point %d not finite: %v", i, p.Value)
		}
		if math.Abs(p.Value-recent) > 5 {
			t.Errorf("point %d = %.2f, too far from recent mean %.2f", i, p.Value, recent)
		}
		truth := seasonalTemp(400 + i)
		if math.Abs(p.Value-truth) > 2 {
			t.Errorf("point %d = %.2f, want close to %.2f", i, p.Value, truth)
		}
		if !(p.Lower <= p.Value && p.Value <= p.Upper) {
			t.Errorf("point %d bounds out of order: %.2f <= %.2f <= %.2f", i, p.Lower, p.Value, p.Upper)
		}
	}
}

func TestForecastHorizonIsFutureOnly(t *testing.T) {
	series := makeSeries(models.MetricAvgTemp, 60, seasonalTemp)
	last := series.Last()

	for _, horizon := range []int{1, 7, 30} {
		r, err := NewEngine(nil, nil).Forecast(series, horizon)
		if err != nil {
			t.Fatalf("horizon %d: %v", horizon, err)
		}
		if len(r.Points) != horizon || r.Horizon != horizon {
			t.Fatalf("horizon %d: got %d points", horizon, len(r.Points))
		}
		if !r.LastObserved.Equal(last) {
			t.Errorf("LastObserved = %v, want %v", r.LastObserved, last)
		}
		for i, p := range r.Points {
			want := last.AddDate(0, 0, i+1)
			if !p.Time.Equal(want) {
				t.Errorf("horizon %d point %d time = %v, want %v", horizon, i, p.Time, want)
			}
			if !p.Time.After(last) {
				t.Errorf("horizon %d point %d is not in the future", horizon, i)
			}
		}
	}
}

func TestForecastClipsRainfall(t *testing.T) {
	model := &stubModel{fn: func(i int, tm time.Time) models.ForecastPoint {
		if i == 2 {
			return models.ForecastPoint{Value: -3.2, Lower: -5, Upper: -1}
		}
		return models.ForecastPoint{Value: 2, Lower: -1, Upper: 5}
	}}
	series := makeSeries(models.MetricRainfall, 30, func(d int) float64 { return float64(d % 4) })

	r, err := NewEngine(model, nil).Forecast(series, 7)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}

	got := r.Points[2]
	if got.Value != 0 || got.Lower != 0 || got.Upper != 0 {
		t.Errorf("clipped point = %+v, want all zero", got)
	}
	if p := r.Points[0]; p.Value != 2 || p.Lower != 0 || p.Upper != 5 {
		t.Errorf("point 0 = %+v, want value 2 lower 0 upper 5", p)
	}
	for i, p := range r.Points {
		if p.Value < 0 || p.Lower < 0 || p.Upper < 0 {
			t.Errorf("point %d has a negative field: %+v", i, p)
		}
	}
}

func TestForecastDoesNotClipTemperature(t *testing.T) {
	model := &stubModel{fn: func(int, time.Time) models.ForecastPoint {
		return models.ForecastPoint{Value: -3.2, Lower: -6, Upper: -1}
	}}
	series := makeSeries(models.MetricMinTemp, 30, func(d int) float64 { return float64(d%7) - 3 })

	r, err := NewEngine(model, nil).Forecast(series, 3)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if r.Points[0].Value != -3.2 || r.Points[0].Lower != -6 {
		t.Errorf("temperature was clipped: %+v", r.Points[0])
	}
}

func TestForecastOrdersBounds(t *testing.T) {
	model := &stubModel{fn: func(int, time.Time) models.ForecastPoint {
		return models.ForecastPoint{Value: 10, Lower: 12, Upper: 8}
	}}
	series := makeSeries(models.MetricAQI, 30, func(d int) float64 { return 80 + float64(d%5) })

	r, err := NewEngine(model, nil).Forecast(series, 2)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	for _, p := range r.Points {
		if !(p.Lower <= p.Value && p.Value <= p.Upper) {
			t.Errorf("bounds out of order: %+v", p)
		}
	}
}

func TestRealModelRainfallNonNegative(t *testing.T) {
	// Mostly dry with occasional bursts pulls the fitted line below zero.
	series := makeSeries(models.MetricRainfall, 120, func(d int) float64 {
		if d%17 == 0 {
			return 40
		}
		return 0
	})

	r, err := NewEngine(nil, nil).Forecast(series, 14)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	for i, p := range r.Points {
		if p.Value < 0 || p.Lower < 0 || p.Upper < 0 {
			t.Errorf("point %d negative after clipping: %+v", i, p)
		}
		if !(p.Lower <= p.Value && p.Value <= p.Upper) {
			t.Errorf("point %d bounds out of order: %+v", i, p)
		}
	}
}

func TestForecastInfeasible(t *testing.T) {
	tests := []struct {
		name   string
		series models.TimeSeries
	}{
		{"too short", makeSeries(models.MetricAvgTemp, MinHistory-1, seasonalTemp)},
		{"empty", models.TimeSeries{Metric: models.MetricAvgTemp}},
		{"constant", makeSeries(models.MetricAvgTemp, 60, func(int) float64 { return 21 })},
		{"nan", makeSeries(models.MetricAvgTemp, 60, func(d int) float64 {
			if d == 30 {
				return math.NaN()
			}
			return float64(d)
		})},
		{"unsorted", func() models.TimeSeries {
			s := makeSeries(models.MetricAvgTemp, 30, seasonalTemp)
			s.Points[3], s.Points[4] = s.Points[4], s.Points[3]
			return s
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(nil, nil).Forecast(tt.series, 7)
			if !errors.Is(err, ErrInfeasible) {
				t.Fatalf("err = %v, want ErrInfeasible", err)
			}
		})
	}
}

func TestForecastModelFailureIsInfeasible(t *testing.T) {
	model := &stubModel{err: errors.New("singular matrix")}
	_, err := NewEngine(model, nil).Forecast(makeSeries(models.MetricAvgTemp, 30, seasonalTemp), 7)
	if !errors.Is(err, ErrInfeasible) {
		t.Fatalf("err = %v, want ErrInfeasible", err)
	}
}

func TestForecastInvalidHorizon(t *testing.T) {
	series := makeSeries(models.MetricAvgTemp, 30, seasonalTemp)
	for _, h := range []int{0, -1, MaxHorizon + 1} {
		if _, err := NewEngine(nil, nil).Forecast(series, h); !errors.Is(err, ErrInvalidHorizon) {
			t.Errorf("horizon %d: err = %v, want ErrInvalidHorizon", h, err)
		}
	}
}

func TestForecastMemoized(t *testing.T) {
	model := &stubModel{fn: func(i int, _ time.Time) models.ForecastPoint {
		return models.ForecastPoint{Value: float64(i), Lower: float64(i) - 1, Upper: float64(i) + 1}
	}}
	e := NewEngine(model, nil)
	series := makeSeries(models.MetricAvgTemp, 30, seasonalTemp)

	a, err := e.Forecast(series, 5)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	a.Points[0].Value = 999

	b, err := e.Forecast(series, 5)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if model.calls != 1 {
		t.Errorf("model called %d times, want 1", model.calls)
	}
	if b.Points[0].Value != 0 {
		t.Errorf("memoized result was mutated through a returned copy: %v", b.Points[0].Value)
	}

	if _, err := e.Forecast(series, 6); err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if model.calls != 2 {
		t.Errorf("different horizon should refit, calls = %d", model.calls)
	}

	if n := e.Invalidate(); n != 2 {
		t.Errorf("Invalidate removed %d, want 2", n)
	}
	if _, err := e.Forecast(series, 5); err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if model.calls != 3 {
		t.Errorf("invalidated entry should refit, calls = %d", model.calls)
	}
}

func TestForecastResultStore(t *testing.T) {
	store := &memStore{data: make(map[string]*models.ForecastResult)}
	model := &stubModel{fn: func(int, time.Time) models.ForecastPoint {
		return models.ForecastPoint{Value: 1, Lower: 0, Upper: 2}
	}}
	series := makeSeries(models.MetricAvgTemp, 30, seasonalTemp)

	first := NewEngine(model, nil)
	first.SetResultStore(store)
	if _, err := first.Forecast(series, 3); err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if store.puts != 1 {
		t.Fatalf("store puts = %d, want 1", store.puts)
	}

	second := NewEngine(model, nil)
	second.SetResultStore(store)
	r, err := second.Forecast(series, 3)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if model.calls != 1 {
		t.Errorf("second engine refit instead of reading the store, calls = %d", model.calls)
	}
	if len(r.Points) != 3 {
		t.Errorf("stored result has %d points, want 3", len(r.Points))
	}
}

func TestForecastDeterministic(t *testing.T) {
	series := makeSeries(models.MetricAvgTemp, 200, seasonalTemp)
	a, err := NewEngine(nil, nil).Forecast(series, 7)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	b, err := NewEngine(nil, nil).Forecast(series, 7)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	for i := range a.Points {
		if a.Points[i] != b.Points[i] {
			t.Errorf("point %d differs between fits: %+v vs %+v", i, a.Points[i], b.Points[i])
		}
	}
}

func TestSparseHistoryKeepsIntervalWidth(t *testing.T) {
	// Twenty observations three weeks apart give the model more columns
	// than points, so in-sample residuals alone are zero.
	series := models.TimeSeries{City: "Tirupati", Metric: models.MetricAvgTemp}
	for i := 0; i < 20; i++ {
		d := i * 21
		series.Points = append(series.Points, models.Point{Time: seriesStart.AddDate(0, 0, d), Value: seasonalTemp(d)})
	}
	lastDay := 19 * 21

	r, err := NewEngine(nil, nil).Forecast(series, 7)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	for i, p := range r.Points {
		if w := p.Upper - p.Lower; w < 0.5 {
			t.Errorf("point %d interval [%.2f, %.2f] is only %.3f wide", i, p.Lower, p.Upper, w)
		}
		truth := seasonalTemp(lastDay + i + 1)
		if truth < p.Lower || truth > p.Upper {
			t.Errorf("point %d interval [%.2f, %.2f] excludes %.2f", i, p.Lower, p.Upper, truth)
		}
	}
}

func TestResidualSigmaUsesDegreesOfFreedom(t *testing.T) {
	if got, want := residualSigma(8, 10, 2), 1.0; math.Abs(got-want) > 1e-12 {
		t.Errorf("residualSigma(8, 10, 2) = %v, want %v", got, want)
	}
	// More effective parameters than points must not divide by zero or flip sign.
	if got := residualSigma(4, 10, 43); math.Abs(got-2) > 1e-12 {
		t.Errorf("residualSigma(4, 10, 43) = %v, want 2", got)
	}
	if got := stepSigma([]float64{1, 1, 1, 1}); got != 0 {
		t.Errorf("stepSigma(constant) = %v, want 0", got)
	}
	if got := stepSigma([]float64{0, 1, 0, 1, 0}); got <= 0 {
		t.Errorf("stepSigma(alternating) = %v, want > 0", got)
	}
}
