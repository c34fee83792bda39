// Package views computes the descriptive rollups shown next to forecasts:
// per-city KPIs and multi-city comparisons over a date range. Every function
// is a pure reduction over the read-only record set.
package views

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/cityweather/internal/models"
	"github.com/lox/cityweather/internal/series"
)

// ErrEmptySelection means the filters matched no rows. It is distinct from
// a zero-valued result.
var ErrEmptySelection = errors.New("no data in range")

// Range is an inclusive date range. A zero bound is open.
type Range struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

func (r Range) Valid() bool {
	return r.From.IsZero() || r.To.IsZero() || !r.To.Before(r.From)
}

// Filter selects records by city and date. An empty City matches every city.
type Filter struct {
	City string
	Range
}

func (f Filter) match(r *models.Record) bool {
	if f.City != "" && r.City != f.City {
		return false
	}
	return f.Contains(r.Date)
}

type KPI struct {
	City          string          `json:"city,omitempty"`
	Rows          int             `json:"rows"`
	First         time.Time       `json:"first"`
	Last          time.Time       `json:"last"`
	MeanTemp      sql.NullFloat64 `json:"-"`
	TotalRainfall sql.NullFloat64 `json:"-"`
	MeanAQI       sql.NullFloat64 `json:"-"`
}

// KPIs returns mean temperature, total rainfall and mean AQI over the
// records matching f. A metric with no non-null values is reported as null.
func KPIs(records []models.Record, f Filter) (KPI, error) {
	if !f.Range.Valid() {
		return KPI{}, fmt.Errorf("kpis: range ends before it starts")
	}
	f.City = strings.TrimSpace(f.City)

	k := KPI{City: f.City}
	var temps, rain, aqi []float64
	for i := range records {
		r := &records[i]
		if !f.match(r) {
			continue
		}
		k.Rows++
		if k.First.IsZero() || r.Date.Before(k.First) {
			k.First = r.Date
		}
		if r.Date.After(k.Last) {
			k.Last = r.Date
		}
		if r.AvgTemp.Valid {
			temps = append(temps, r.AvgTemp.Float64)
		}
		if r.Rainfall.Valid {
			rain = append(rain, r.Rainfall.Float64)
		}
		if r.AQI.Valid {
			aqi = append(aqi, r.AQI.Float64)
		}
	}
	if k.Rows == 0 {
		return KPI{}, fmt.Errorf("kpis %s: %w", describe(f), ErrEmptySelection)
	}

	k.MeanTemp = mean(temps)
	k.MeanAQI = mean(aqi)
	if len(rain) > 0 {
		k.TotalRainfall = sql.NullFloat64{Float64: floats.Sum(rain), Valid: true}
	}
	return k, nil
}

type CitySeries struct {
	City          string            `json:"city"`
	Series        models.TimeSeries `json:"series"`
	TotalRainfall float64           `json:"total_rainfall"`
}

type Comparison struct {
	Metric  models.Metric `json:"metric"`
	Range   Range         `json:"range"`
	Cities  []CitySeries  `json:"cities"`
	Missing []string      `json:"missing,omitempty"`
}

// Compare returns, for each requested city in order, its metric series and
// rainfall total within rng. Cities without rows in range are listed in
// Missing; if none have rows the selection is empty.
func Compare(records []models.Record, cities []string, metric models.Metric, rng Range) (*Comparison, error) {
	if !metric.Valid() {
		return nil, fmt.Errorf("compare: %w: %q", models.ErrUnknownMetric, metric)
	}
	if !rng.Valid() {
		return nil, fmt.Errorf("compare: range ends before it starts")
	}

	c := &Comparison{Metric: metric, Range: rng}
	seen := make(map[string]bool)
	for _, city := range cities {
		city = strings.TrimSpace(city)
		if city == "" || seen[city] {
			continue
		}
		seen[city] = true

		ts, err := series.Extract(records, city, metric)
		if err != nil {
			return nil, err
		}
		ts = series.Window(ts, rng.From, rng.To)

		var rain []float64
		rows := 0
		for i := range records {
			r := &records[i]
			if r.City != city || !rng.Contains(r.Date) {
				continue
			}
			rows++
			if r.Rainfall.Valid {
				rain = append(rain, r.Rainfall.Float64)
			}
		}
		if rows == 0 {
			c.Missing = append(c.Missing, city)
			continue
		}
		c.Cities = append(c.Cities, CitySeries{City: city, Series: ts, TotalRainfall: floats.Sum(rain)})
	}

	if len(c.Cities) == 0 {
		return nil, fmt.Errorf("compare %d cities: %w", len(seen), ErrEmptySelection)
	}
	return c, nil
}

// Span returns the first and last dates recorded for city.
func Span(records []models.Record, city string) (first, last time.Time, ok bool) {
	for i := range records {
		r := &records[i]
		if r.City != city {
			continue
		}
		if !ok || r.Date.Before(first) {
			first = r.Date
		}
		if !ok || r.Date.After(last) {
			last = r.Date
		}
		ok = true
	}
	return first, last, ok
}

func mean(xs []float64) sql.NullFloat64 {
	if len(xs) == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: stat.Mean(xs, nil), Valid: true}
}

func describe(f Filter) string {
	city := f.City
	if city == "" {
		city = "all cities"
	}
	from, to := "start", "end"
	if !f.From.IsZero() {
		from = f.From.Format("2006-01-02")
	}
	if !f.To.IsZero() {
		to = f.To.Format("2006-01-02")
	}
	return fmt.Sprintf("%s %s..%s", city, from, to)
}
