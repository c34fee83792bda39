package models

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownMetric = errors.New("unknown metric")

// Metric names one numeric column of an observation record.
type Metric string

const (
	MetricAvgTemp  Metric = "avg_temperature"
	MetricMaxTemp  Metric = "max_temperature"
	MetricMinTemp  Metric = "min_temperature"
	MetricRainfall Metric = "rainfall"
	MetricAQI      Metric = "aqi"
)

// Kind groups metrics by how they are summarized and post-processed.
type Kind string

const (
	KindTemperature Kind = "temperature"
	KindRainfall    Kind = "rainfall"
	KindAQI         Kind = "aqi"
)

var metricKinds = map[Metric]Kind{
	MetricAvgTemp:  KindTemperature,
	MetricMaxTemp:  KindTemperature,
	MetricMinTemp:  KindTemperature,
	MetricRainfall: KindRainfall,
	MetricAQI:      KindAQI,
}

// Keys are in the form produced by metricKey.
var metricAliases = map[string]Metric{
	"avg_temperature":     MetricAvgTemp,
	"average_temperature": MetricAvgTemp,
	"avg_temp":            MetricAvgTemp,
	"temperature":         MetricAvgTemp,
	"temp":                MetricAvgTemp,
	"max_temperature":     MetricMaxTemp,
	"max_temp":            MetricMaxTemp,
	"min_temperature":     MetricMinTemp,
	"min_temp":            MetricMinTemp,
	"rainfall":            MetricRainfall,
	"rainfall_(mm)":       MetricRainfall,
	"rain":                MetricRainfall,
	"aqi":                 MetricAQI,
}

// Metrics lists every recognized metric in display order.
func Metrics() []Metric {
	return []Metric{MetricAvgTemp, MetricMaxTemp, MetricMinTemp, MetricRainfall, MetricAQI}
}

// ParseMetric resolves a metric name or one of its aliases. Case, surrounding
// space and the choice of space, hyphen or underscore between words are ignored.
func ParseMetric(s string) (Metric, error) {
	if m, ok := metricAliases[metricKey(s)]; ok {
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

func metricKey(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "-", " "))
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), "_")
}

func (m Metric) Valid() bool {
	_, ok := metricKinds[m]
	return ok
}

func (m Metric) Kind() Kind {
	return metricKinds[m]
}

// NonNegative reports whether values of the metric cannot physically be below zero.
func (k Kind) NonNegative() bool {
	return k == KindRainfall || k == KindAQI
}

func (m Metric) Unit() string {
	switch m.Kind() {
	case KindTemperature:
		return "°C"
	case KindRainfall:
		return "mm"
	default:
		return ""
	}
}

// Record is one row of the cleaned dataset: a single city on a single day.
type Record struct {
	City     string
	Date     time.Time
	AvgTemp  sql.NullFloat64
	MaxTemp  sql.NullFloat64
	MinTemp  sql.NullFloat64
	Rainfall sql.NullFloat64
	AQI      sql.NullFloat64
	Lat      sql.NullFloat64
	Lon      sql.NullFloat64
}

// Value returns the record's value for m.
func (r Record) Value(m Metric) (sql.NullFloat64, error) {
	switch m {
	case MetricAvgTemp:
		return r.AvgTemp, nil
	case MetricMaxTemp:
		return r.MaxTemp, nil
	case MetricMinTemp:
		return r.MinTemp, nil
	case MetricRainfall:
		return r.Rainfall, nil
	case MetricAQI:
		return r.AQI, nil
	}
	return sql.NullFloat64{}, fmt.Errorf("%w: %q", ErrUnknownMetric, m)
}

type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// TimeSeries is strictly ascending by Time with unique timestamps.
type TimeSeries struct {
	City   string  `json:"city"`
	Metric Metric  `json:"metric"`
	Points []Point `json:"points"`
}

func (s TimeSeries) Len() int { return len(s.Points) }

// Last returns the final timestamp, or the zero time for an empty series.
func (s TimeSeries) Last() time.Time {
	if len(s.Points) == 0 {
		return time.Time{}
	}
	return s.Points[len(s.Points)-1].Time
}

type ForecastPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
	Lower float64   `json:"lower"`
	Upper float64   `json:"upper"`
}

// ForecastResult holds future-only predictions, one per day after LastObserved.
type ForecastResult struct {
	City         string          `json:"city"`
	Metric       Metric          `json:"metric"`
	Horizon      int             `json:"horizon"`
	LastObserved time.Time       `json:"last_observed"`
	Model        string          `json:"model"`
	Points       []ForecastPoint `json:"points"`
}

// Summary condenses a forecast horizon into one number: the mean for
// temperature and AQI, the sum for rainfall.
type Summary struct {
	Metric   Metric  `json:"metric"`
	Kind     Kind    `json:"kind"`
	Horizon  int     `json:"horizon"`
	Value    float64 `json:"value"`
	Final    float64 `json:"final"`
	FinalLow float64 `json:"final_lower"`
	FinalUp  float64 `json:"final_upper"`
}

type Advisory struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

type City struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
