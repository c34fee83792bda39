package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/cityweather/internal/dashboard"
	"github.com/lox/cityweather/internal/forecast"
	"github.com/lox/cityweather/internal/ingest"
	"github.com/lox/cityweather/internal/models"
	"github.com/lox/cityweather/internal/views"
)

var errBadParam = errors.New("bad parameter")

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

func (s *Server) handleAPICities(w http.ResponseWriter, r *http.Request) {
	cs, err := s.svc.Cities()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, cs)
}

func (s *Server) handleAPIKPIs(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	k, err := s.svc.KPIs(views.Filter{City: r.URL.Query().Get("city"), Range: rng})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, NewKPIView(k))
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	metric, err := parseMetric(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	hv, err := s.svc.History(r.URL.Query().Get("city"), metric, rng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, hv)
}

func (s *Server) handleAPIForecast(w http.ResponseWriter, r *http.Request) {
	metric, err := parseMetric(r)
	if err != nil {
		writeError(w, err)
		return
	}
	days, err := parseDays(r)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.svc.Forecast(r.URL.Query().Get("city"), metric, days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleAPIInsights(w http.ResponseWriter, r *http.Request) {
	days, err := parseDays(r)
	if err != nil {
		writeError(w, err)
		return
	}
	in, err := s.svc.Insights(r.URL.Query().Get("city"), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, in)
}

func (s *Server) handleAPICompare(w http.ResponseWriter, r *http.Request) {
	metric, err := parseMetric(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.svc.Compare(r.URL.Query()["city"], metric, rng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, c)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrDataUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, views.ErrEmptySelection):
		return http.StatusNotFound
	case errors.Is(err, forecast.ErrInfeasible), errors.Is(err, forecast.ErrEmptyForecast):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadParam),
		errors.Is(err, dashboard.ErrInvalidInput),
		errors.Is(err, forecast.ErrInvalidHorizon),
		errors.Is(err, models.ErrUnknownMetric):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("api: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func parseMetric(r *http.Request) (models.Metric, error) {
	v := r.URL.Query().Get("metric")
	if v == "" {
		return models.MetricAvgTemp, nil
	}
	return models.ParseMetric(v)
}

func parseDays(r *http.Request) (int, error) {
	v := r.URL.Query().Get("days")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: days %q", errBadParam, v)
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: %d", forecast.ErrInvalidHorizon, n)
	}
	return n, nil
}

func parseRange(r *http.Request) (views.Range, error) {
	var rng views.Range
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		v := r.URL.Query().Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return views.Range{}, fmt.Errorf("%w: %s %q is not YYYY-MM-DD", errBadParam, p.name, v)
		}
		*p.dst = t
	}
	if !rng.Valid() {
		return views.Range{}, fmt.Errorf("%w: from is after to", errBadParam)
	}
	return rng, nil
}
