package ingest

import (
	"strings"
	"unicode"
)

// column identifies a canonical field of the cleaned schema.
type column int

const (
	colUnknown column = iota
	colDate
	colYear
	colMonth
	colDay
	colDayOfYear
	colCity
	colAvgTemp
	colMaxTemp
	colMinTemp
	colRainfall
	colAQI
)

// Header spellings, keyed by the normalized form produced by normalizeHeader.
// Both the pre-labelled schema (Date, City, Avg_Temperature, Rainfall (mm))
// and the raw satellite export (DATE, T2M, PRECTOTCORR, YEAR/MO/DY) map
// onto the same columns.
var headerAliases = map[string]column{
	"date":     colDate,
	"datetime": colDate,
	"ds":       colDate,

	"year":  colYear,
	"yyyy":  colYear,
	"mo":    colMonth,
	"month": colMonth,
	"dy":    colDay,
	"day":   colDay,
	"doy":   colDayOfYear,

	"city":     colCity,
	"cityname": colCity,
	"location": colCity,

	"avgtemperature":     colAvgTemp,
	"averagetemperature": colAvgTemp,
	"meantemperature":    colAvgTemp,
	"avgtemp":            colAvgTemp,
	"tavg":               colAvgTemp,
	"temperature":        colAvgTemp,
	"t2m":                colAvgTemp,

	"maxtemperature": colMaxTemp,
	"maxtemp":        colMaxTemp,
	"tmax":           colMaxTemp,
	"t2mmax":         colMaxTemp,

	"mintemperature": colMinTemp,
	"mintemp":        colMinTemp,
	"tmin":           colMinTemp,
	"t2mmin":         colMinTemp,

	"rainfallmm":      colRainfall,
	"rainfall":        colRainfall,
	"rain":            colRainfall,
	"precipitation":   colRainfall,
	"precipitationmm": colRainfall,
	"prectotcorr":     colRainfall,
	"prectot":         colRainfall,

	"aqi":             colAQI,
	"airqualityindex": colAQI,
}

// Raw satellite exports use these headers; their presence marks the file's
// naming convention in load stats.
var satelliteHeaders = map[string]bool{
	"t2m": true, "t2mmax": true, "t2mmin": true,
	"prectotcorr": true, "prectot": true, "mo": true, "dy": true, "doy": true,
}

const (
	ConventionLabelled  = "labelled"
	ConventionSatellite = "satellite"
)

// normalizeHeader lower-cases h and drops everything but letters and digits,
// so "Rainfall (mm)", "rainfall_mm" and "RAINFALL MM" compare equal.
func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// layout maps canonical columns to their index in a row.
type layout struct {
	index      map[column]int
	convention string
}

func newLayout(header []string) layout {
	l := layout{index: make(map[column]int), convention: ConventionLabelled}
	for i, h := range header {
		key := normalizeHeader(h)
		if satelliteHeaders[key] || strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == "DATE" {
			l.convention = ConventionSatellite
		}
		col, ok := headerAliases[key]
		if !ok {
			continue
		}
		if _, dup := l.index[col]; dup {
			continue
		}
		l.index[col] = i
	}
	return l
}

func (l layout) has(c column) bool {
	_, ok := l.index[c]
	return ok
}

func (l layout) hasDate() bool {
	if l.has(colDate) {
		return true
	}
	if !l.has(colYear) {
		return false
	}
	return (l.has(colMonth) && l.has(colDay)) || l.has(colDayOfYear)
}

// cell returns the trimmed value of c in row, or "" when absent.
func (l layout) cell(row []string, c column) string {
	i, ok := l.index[c]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
