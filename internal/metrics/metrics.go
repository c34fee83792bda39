package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DatasetLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityweather_dataset_loads_total",
			Help: "Total dataset load attempts",
		},
		[]string{"format", "status"},
	)

	RowsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityweather_rows_dropped_total",
			Help: "Rows dropped during load",
		},
		[]string{"reason"},
	)

	QualityFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityweather_quality_flags_total",
			Help: "Suspicious values seen during load, by flag",
		},
		[]string{"flag"},
	)

	ForecastFitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityweather_forecast_fits_total",
			Help: "Total forecast model fits",
		},
		[]string{"metric", "status"},
	)

	ForecastFitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cityweather_forecast_fit_seconds",
			Help:    "Forecast fit and predict latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"metric"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityweather_cache_lookups_total",
			Help: "Memo cache lookups by operation and result",
		},
		[]string{"op", "result"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityweather_api_requests_total",
			Help: "Total API requests",
		},
		[]string{"endpoint", "status"},
	)
)
