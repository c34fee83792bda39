package forecast

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lox/cityweather/internal/models"
)

// Model fits a history and predicts the requested future timestamps.
// Predictions are raw: no ordering or clipping has been applied yet.
type Model interface {
	Name() string
	FitPredict(history models.TimeSeries, future []time.Time) ([]models.ForecastPoint, error)
}

const (
	yearPeriodDays = 365.25
	weekPeriodDays = 7.0
)

// AdditiveConfig tunes the additive model. The zero value is not useful;
// start from DefaultAdditiveConfig.
type AdditiveConfig struct {
	// Changepoints is the maximum number of potential trend changes, placed
	// evenly over the first ChangepointRange of the history.
	Changepoints     int     `yaml:"changepoints"`
	ChangepointRange float64 `yaml:"changepoint_range"`
	// ChangepointPenalty is the ridge weight on slope changes. Larger values
	// give a stiffer trend.
	ChangepointPenalty float64 `yaml:"changepoint_penalty"`
	YearlyOrder        int     `yaml:"yearly_order"`
	WeeklyOrder        int     `yaml:"weekly_order"`
	// Seasonality is only fitted once the history spans this many days.
	YearlyMinSpanDays  int     `yaml:"yearly_min_span_days"`
	WeeklyMinSpanDays  int     `yaml:"weekly_min_span_days"`
	SeasonalityPenalty float64 `yaml:"seasonality_penalty"`
	// IntervalWidth is the coverage of the uncertainty interval, in (0, 1).
	IntervalWidth float64 `yaml:"interval_width"`
}

func DefaultAdditiveConfig() AdditiveConfig {
	return AdditiveConfig{
		Changepoints:       25,
		ChangepointRange:   0.8,
		ChangepointPenalty: 5,
		YearlyOrder:        10,
		WeeklyOrder:        3,
		YearlyMinSpanDays:  365,
		WeeklyMinSpanDays:  14,
		SeasonalityPenalty: 0.01,
		IntervalWidth:      0.8,
	}
}

// AdditiveModel decomposes a daily series into a piecewise-linear trend plus
// yearly and weekly Fourier seasonality, fitted by ridge-regularized least
// squares.
type AdditiveModel struct {
	cfg AdditiveConfig
}

func NewAdditiveModel(cfg AdditiveConfig) *AdditiveModel {
	return &AdditiveModel{cfg: cfg}
}

func (m *AdditiveModel) Name() string { return "additive" }

func (m *AdditiveModel) Params() any { return m.cfg }

// design describes the feature layout fixed at fit time so the same columns
// can be rebuilt for future timestamps.
type design struct {
	origin       float64 // first history day, days since epoch
	span         float64 // history span in days
	changepoints []float64
	yearly       int
	weekly       int
}

func (d design) width() int {
	return 2 + len(d.changepoints) + 2*d.yearly + 2*d.weekly
}

func (d design) row(day float64, dst []float64) {
	t := (day - d.origin) / d.span
	dst[0] = 1
	dst[1] = t
	i := 2
	for _, s := range d.changepoints {
		dst[i] = math.Max(0, t-s)
		i++
	}
	for k := 1; k <= d.yearly; k++ {
		x := 2 * math.Pi * float64(k) * day / yearPeriodDays
		dst[i], dst[i+1] = math.Sin(x), math.Cos(x)
		i += 2
	}
	for k := 1; k <= d.weekly; k++ {
		x := 2 * math.Pi * float64(k) * day / weekPeriodDays
		dst[i], dst[i+1] = math.Sin(x), math.Cos(x)
		i += 2
	}
}

func epochDays(t time.Time) float64 {
	return float64(t.Unix()) / 86400
}

func (m *AdditiveModel) FitPredict(history models.TimeSeries, future []time.Time) ([]models.ForecastPoint, error) {
	n := history.Len()
	if n < 2 {
		return nil, errors.New("additive: need at least two points")
	}

	days := make([]float64, n)
	y := make([]float64, n)
	for i, p := range history.Points {
		days[i] = epochDays(p.Time)
		y[i] = p.Value
	}

	d := design{origin: days[0], span: days[n-1] - days[0]}
	if d.span <= 0 {
		return nil, errors.New("additive: history has no time span")
	}
	if d.span >= float64(m.cfg.YearlyMinSpanDays) {
		d.yearly = m.cfg.YearlyOrder
	}
	if d.span >= float64(m.cfg.WeeklyMinSpanDays) {
		d.weekly = m.cfg.WeeklyOrder
	}
	d.changepoints = placeChangepoints(days, d, m.cfg)

	// Scale the target so penalties mean the same thing for every metric.
	scale := math.Max(math.Abs(floats.Max(y)), math.Abs(floats.Min(y)))
	if scale == 0 {
		return nil, errors.New("additive: series is all zero")
	}

	p := d.width()
	x := mat.NewDense(n, p, nil)
	row := make([]float64, p)
	for i := range days {
		d.row(days[i], row)
		x.SetRow(i, row)
	}
	ys := make([]float64, n)
	floats.ScaleTo(ys, 1/scale, y)
	yv := mat.NewVecDense(n, ys)

	var xtx, a mat.Dense
	xtx.Mul(x.T(), x)
	a.CloneFrom(&xtx)
	for j := 2; j < p; j++ {
		penalty := m.cfg.SeasonalityPenalty
		if j < 2+len(d.changepoints) {
			penalty = m.cfg.ChangepointPenalty
		}
		a.Set(j, j, a.At(j, j)+penalty)
	}
	var b mat.VecDense
	b.MulVec(x.T(), yv)

	var beta mat.VecDense
	if err := beta.SolveVec(&a, &b); err != nil {
		return nil, fmt.Errorf("additive: solve: %w", err)
	}

	var fitted mat.VecDense
	fitted.MulVec(x, &beta)
	var sse float64
	for i := 0; i < n; i++ {
		r := ys[i] - fitted.AtVec(i)
		sse += r * r
	}
	sigma := residualSigma(sse, n, effectiveParams(&a, &xtx, p))
	// A history the model can interpolate leaves no residual to measure;
	// the spread between successive observations bounds the noise instead.
	sigma = math.Max(sigma, stepSigma(ys))
	z := distuv.UnitNormal.Quantile(0.5 + m.cfg.IntervalWidth/2)

	out := make([]models.ForecastPoint, len(future))
	coef := beta.RawVector().Data
	for k, ft := range future {
		d.row(epochDays(ft), row)
		v := floats.Dot(row, coef)
		// Widen with distance past the last observation.
		ahead := epochDays(ft) - days[n-1]
		half := z * sigma * math.Sqrt(1+ahead/float64(n))
		out[k] = models.ForecastPoint{
			Time:  ft,
			Value: v * scale,
			Lower: (v - half) * scale,
			Upper: (v + half) * scale,
		}
	}
	return out, nil
}

// effectiveParams is the trace of the ridge hat matrix, (X'X + P)^-1 X'X.
// It falls back to the column count when the system cannot be inverted.
func effectiveParams(a, xtx *mat.Dense, p int) float64 {
	var inv, h mat.Dense
	if err := inv.Inverse(a); err != nil {
		return float64(p)
	}
	h.Mul(&inv, xtx)
	return mat.Trace(&h)
}

func residualSigma(sse float64, n int, edf float64) float64 {
	dof := math.Max(float64(n)-edf, 1)
	return math.Sqrt(sse / dof)
}

// stepSigma estimates per-observation noise from successive differences,
// which carry twice the variance of a single value.
func stepSigma(ys []float64) float64 {
	if len(ys) < 3 {
		return 0
	}
	diffs := make([]float64, len(ys)-1)
	for i := range diffs {
		diffs[i] = ys[i+1] - ys[i]
	}
	return stat.StdDev(diffs, nil) / math.Sqrt2
}

// placeChangepoints spreads up to cfg.Changepoints locations over the first
// ChangepointRange of the observations, in scaled time.
func placeChangepoints(days []float64, d design, cfg AdditiveConfig) []float64 {
	histSize := int(math.Floor(float64(len(days)) * cfg.ChangepointRange))
	count := cfg.Changepoints
	if count > histSize-1 {
		count = histSize - 1
	}
	if count <= 0 {
		return nil
	}
	cps := make([]float64, 0, count)
	step := float64(histSize-1) / float64(count)
	for i := 1; i <= count; i++ {
		idx := int(math.Round(step * float64(i)))
		cps = append(cps, (days[idx]-d.origin)/d.span)
	}
	return cps
}
