package api

import (
	"database/sql"
	"time"

	"github.com/lox/cityweather/internal/views"
)

// KPIView is the JSON form of views.KPI; null metrics encode as null.
type KPIView struct {
	City          string    `json:"city,omitempty"`
	Rows          int       `json:"rows"`
	First         time.Time `json:"first"`
	Last          time.Time `json:"last"`
	MeanTemp      *float64  `json:"mean_temperature"`
	TotalRainfall *float64  `json:"total_rainfall"`
	MeanAQI       *float64  `json:"mean_aqi"`
}

// NewKPIView converts k for JSON output.
func NewKPIView(k views.KPI) KPIView {
	return KPIView{
		City:          k.City,
		Rows:          k.Rows,
		First:         k.First,
		Last:          k.Last,
		MeanTemp:      nullable(k.MeanTemp),
		TotalRainfall: nullable(k.TotalRainfall),
		MeanAQI:       nullable(k.MeanAQI),
	}
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
