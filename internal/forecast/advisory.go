package forecast

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/lox/cityweather/internal/models"
)

var ErrEmptyForecast = errors.New("empty forecast")

// Advisory categories, ordered from most to least severe within each kind.
const (
	CategoryHot  = "hot"
	CategoryWarm = "warm"
	CategoryCool = "cool"

	CategoryHeavyRain    = "heavy_rain"
	CategoryModerateRain = "moderate_rain"
	CategoryDry          = "mostly_dry"

	CategoryAQISevere       = "severe"
	CategoryAQIVeryPoor     = "very_poor"
	CategoryAQIPoor         = "poor"
	CategoryAQIModerate     = "moderate"
	CategoryAQISatisfactory = "satisfactory"
	CategoryAQIGood         = "good"
)

// Band edges. A value belongs to the first band whose edge it exceeds.
const (
	HotAbove  = 35.0
	WarmAbove = 25.0

	HeavyRainAbove    = 50.0
	ModerateRainAbove = 10.0
)

var aqiBands = []struct {
	above    float64
	category string
	advice   string
}{
	{400, CategoryAQISevere, "serious health impacts; avoid outdoor activity"},
	{300, CategoryAQIVeryPoor, "respiratory illness likely on prolonged exposure"},
	{200, CategoryAQIPoor, "breathing discomfort for most people on prolonged exposure"},
	{100, CategoryAQIModerate, "sensitive groups may feel breathing discomfort"},
	{50, CategoryAQISatisfactory, "minor discomfort for sensitive people"},
}

// Summarize reduces a forecast to its horizon statistic (mean for
// temperature and AQI, sum for rainfall) and the matching advisory.
func Summarize(r *models.ForecastResult) (models.Summary, models.Advisory, error) {
	if r == nil || len(r.Points) == 0 {
		return models.Summary{}, models.Advisory{}, ErrEmptyForecast
	}
	if !r.Metric.Valid() {
		return models.Summary{}, models.Advisory{}, fmt.Errorf("summarize: %w: %q", models.ErrUnknownMetric, r.Metric)
	}

	values := make([]float64, len(r.Points))
	for i, p := range r.Points {
		values[i] = p.Value
	}

	kind := r.Metric.Kind()
	total := floats.Sum(values)
	value := total / float64(len(values))
	if kind == models.KindRainfall {
		value = total
	}

	final := r.Points[len(r.Points)-1]
	s := models.Summary{
		Metric:   r.Metric,
		Kind:     kind,
		Horizon:  len(r.Points),
		Value:    value,
		Final:    final.Value,
		FinalLow: final.Lower,
		FinalUp:  final.Upper,
	}
	return s, Classify(kind, value, len(r.Points)), nil
}

// Classify maps a horizon statistic to an advisory.
func Classify(kind models.Kind, value float64, days int) models.Advisory {
	switch kind {
	case models.KindRainfall:
		switch {
		case value > HeavyRainAbove:
			return models.Advisory{Category: CategoryHeavyRain,
				Message: fmt.Sprintf("Heavy rainfall expected (%.1f mm over %s): possible flood risk.", value, plural(days))}
		case value > ModerateRainAbove:
			return models.Advisory{Category: CategoryModerateRain,
				Message: fmt.Sprintf("Moderate rainfall (%.1f mm over %s): favorable for agriculture.", value, plural(days))}
		default:
			return models.Advisory{Category: CategoryDry,
				Message: fmt.Sprintf("Mostly dry conditions predicted (%.1f mm over %s).", value, plural(days))}
		}

	case models.KindAQI:
		for _, b := range aqiBands {
			if value > b.above {
				return models.Advisory{Category: b.category,
					Message: fmt.Sprintf("Air quality %s (mean AQI %.0f over %s): %s.", strings.ReplaceAll(b.category, "_", " "), value, plural(days), b.advice)}
			}
		}
		return models.Advisory{Category: CategoryAQIGood,
			Message: fmt.Sprintf("Air quality good (mean AQI %.0f over %s).", value, plural(days))}

	default:
		switch {
		case value > HotAbove:
			return models.Advisory{Category: CategoryHot,
				Message: fmt.Sprintf("Hot: average %.1f°C over %s. Stay hydrated and avoid the midday sun.", value, plural(days))}
		case value > WarmAbove:
			return models.Advisory{Category: CategoryWarm,
				Message: fmt.Sprintf("Warm and pleasant: average %.1f°C over %s.", value, plural(days))}
		default:
			return models.Advisory{Category: CategoryCool,
				Message: fmt.Sprintf("Cool and comfortable: average %.1f°C over %s.", value, plural(days))}
		}
	}
}

// Narrative describes the final forecast day's temperature and rainfall
// ranges in one paragraph.
func Narrative(city string, temp, rain *models.ForecastResult) (string, error) {
	if temp == nil || len(temp.Points) == 0 || rain == nil || len(rain.Points) == 0 {
		return "", ErrEmptyForecast
	}
	t := temp.Points[len(temp.Points)-1]
	r := rain.Points[len(rain.Points)-1]
	return fmt.Sprintf(
		"In the next %s, %s is expected to have an average temperature between %.1f°C and %.1f°C (best estimate: %.1f°C). "+
			"Rainfall is forecast to be between %.1f mm and %.1f mm (best estimate: %.1f mm).",
		plural(len(temp.Points)), city, t.Lower, t.Upper, t.Value, r.Lower, r.Upper, r.Value), nil
}

func plural(days int) string {
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}
