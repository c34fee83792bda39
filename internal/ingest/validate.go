package ingest

import (
	"database/sql"

	"github.com/lox/cityweather/internal/models"
)

const (
	FlagTempOutOfRange   = "temp_out_of_range"
	FlagTempMinAboveMax  = "temp_min_above_max"
	FlagRainfallNegative = "rainfall_negative"
	FlagRainfallUnlikely = "rainfall_unlikely"
	FlagAQINegative      = "aqi_negative"
	FlagAQIUnlikely      = "aqi_unlikely"
)

// ValidateRecord returns quality flags for suspicious values. Flagged values
// are kept; the flags only feed load stats and metrics.
func ValidateRecord(r *models.Record) []string {
	var flags []string

	for _, v := range []float64{nullOr(r.AvgTemp), nullOr(r.MaxTemp), nullOr(r.MinTemp)} {
		if v < -40 || v > 60 {
			flags = append(flags, FlagTempOutOfRange)
			break
		}
	}

	if r.MaxTemp.Valid && r.MinTemp.Valid && r.MinTemp.Float64 > r.MaxTemp.Float64 {
		flags = append(flags, FlagTempMinAboveMax)
	}

	if r.Rainfall.Valid {
		if r.Rainfall.Float64 < 0 {
			flags = append(flags, FlagRainfallNegative)
		} else if r.Rainfall.Float64 > 1000 {
			flags = append(flags, FlagRainfallUnlikely)
		}
	}

	if r.AQI.Valid {
		if r.AQI.Float64 < 0 {
			flags = append(flags, FlagAQINegative)
		} else if r.AQI.Float64 > 1000 {
			flags = append(flags, FlagAQIUnlikely)
		}
	}

	return flags
}

// nullOr returns the value, or 0 (always in range) when null.
func nullOr(v sql.NullFloat64) float64 {
	if v.Valid {
		return v.Float64
	}
	return 0
}
