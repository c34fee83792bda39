package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

var isoLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006/01/02",
	"2006.01.02",
	"2006-1-2",
	"2006-1-2 15:04:05",
	"2006-1-2 15:04",
	"2006/1/2",
	"2006/1/2 15:04:05",
	"2006/1/2 15:04",
}

// Ambiguous numeric dates are read month first; the day-first forms are only
// tried when the month-first reading is not a valid calendar date.
var monthFirstLayouts = []string{
	"1/2/2006",
	"1-2-2006",
	"1/2/06",
	"1-2-06",
	"1/2/2006 15:04",
	"1/2/2006 15:04:05",
}

var dayFirstLayouts = []string{
	"2/1/2006",
	"2-1-2006",
	"2.1.2006",
	"2/1/06",
	"2-1-06",
	"2/1/2006 15:04",
	"2/1/2006 15:04:05",
}

var textLayouts = []string{
	"2 Jan 2006",
	"2-Jan-2006",
	"02-Jan-06",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
}

// Excel stores dates as days since 1899-12-30; anything outside this window
// is not a plausible observation date.
const (
	minExcelSerial = 1
	maxExcelSerial = 2958465
)

// parseDate reads s as a calendar date and truncates it to UTC midnight.
// When serial is set, bare numbers are read as Excel date serials.
func parseDate(s string, serial bool) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if len(s) == 8 && allDigits(s) {
		if t, err := time.Parse("20060102", s); err == nil {
			return day(t), true
		}
	}

	if serial {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= minExcelSerial && f <= maxExcelSerial {
			t, err := excelize.ExcelDateToTime(f, false)
			if err == nil {
				return day(t), true
			}
		}
	}

	for _, group := range [][]string{isoLayouts, monthFirstLayouts, dayFirstLayouts, textLayouts} {
		for _, layout := range group {
			if t, err := time.Parse(layout, s); err == nil {
				return day(t), true
			}
		}
	}
	return time.Time{}, false
}

// dateFromParts builds a date from split YEAR/MO/DY or YEAR/DOY columns.
func dateFromParts(year, month, dayOfMonth, dayOfYear string) (time.Time, bool) {
	y, err := strconv.Atoi(year)
	if err != nil || y < 1 {
		return time.Time{}, false
	}
	if dayOfYear != "" && (month == "" || dayOfMonth == "") {
		doy, err := strconv.Atoi(dayOfYear)
		if err != nil || doy < 1 || doy > 366 {
			return time.Time{}, false
		}
		t := time.Date(y, 1, doy, 0, 0, 0, 0, time.UTC)
		if t.Year() != y {
			return time.Time{}, false
		}
		return t, true
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return time.Time{}, false
	}
	d, err := strconv.Atoi(dayOfMonth)
	if err != nil || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
