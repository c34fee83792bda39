// Package series turns the cleaned record set into per-city time series.
package series

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lox/cityweather/internal/models"
)

// DuplicatePolicy decides how several records for the same city and day
// collapse into one point.
type DuplicatePolicy int

const (
	// DuplicateMean averages every non-null value for the day.
	DuplicateMean DuplicatePolicy = iota
	// DuplicateFirst keeps the value from the earliest record in source order.
	DuplicateFirst
	// DuplicateLast keeps the value from the latest record in source order.
	DuplicateLast
)

// Extract returns the chronologically sorted series of metric for city.
// Null values are skipped, so gaps pass through unfilled. Duplicate days
// are averaged.
func Extract(records []models.Record, city string, metric models.Metric) (models.TimeSeries, error) {
	return ExtractWith(records, city, metric, DuplicateMean)
}

func ExtractWith(records []models.Record, city string, metric models.Metric, policy DuplicatePolicy) (models.TimeSeries, error) {
	if !metric.Valid() {
		return models.TimeSeries{}, fmt.Errorf("extract %s: %w: %q", city, models.ErrUnknownMetric, metric)
	}
	city = strings.TrimSpace(city)

	type acc struct {
		sum   float64
		n     int
		first float64
		last  float64
	}
	byDay := make(map[time.Time]*acc)

	for i := range records {
		r := &records[i]
		if r.City != city {
			continue
		}
		v, _ := r.Value(metric)
		if !v.Valid {
			continue
		}
		a := byDay[r.Date]
		if a == nil {
			a = &acc{first: v.Float64}
			byDay[r.Date] = a
		}
		a.sum += v.Float64
		a.n++
		a.last = v.Float64
	}

	points := make([]models.Point, 0, len(byDay))
	for day, a := range byDay {
		var v float64
		switch policy {
		case DuplicateFirst:
			v = a.first
		case DuplicateLast:
			v = a.last
		default:
			v = a.sum / float64(a.n)
		}
		points = append(points, models.Point{Time: day, Value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })

	return models.TimeSeries{City: city, Metric: metric, Points: points}, nil
}

// Window returns the points of s with from <= Time <= to. Zero bounds are
// open.
func Window(s models.TimeSeries, from, to time.Time) models.TimeSeries {
	out := models.TimeSeries{City: s.City, Metric: s.Metric}
	for _, p := range s.Points {
		if !from.IsZero() && p.Time.Before(from) {
			continue
		}
		if !to.IsZero() && p.Time.After(to) {
			continue
		}
		out.Points = append(out.Points, p)
	}
	return out
}
