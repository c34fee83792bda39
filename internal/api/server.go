package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/cityweather/internal/dashboard"
	"github.com/lox/cityweather/internal/metrics"
)

type Server struct {
	svc  *dashboard.Service
	addr string
}

func NewServer(svc *dashboard.Service, addr string) *Server {
	return &Server{svc: svc, addr: addr}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /api/cities", instrument("cities", s.handleAPICities))
	mux.Handle("GET /api/kpis", instrument("kpis", s.handleAPIKPIs))
	mux.Handle("GET /api/history", instrument("history", s.handleAPIHistory))
	mux.Handle("GET /api/forecast", instrument("forecast", s.handleAPIForecast))
	mux.Handle("GET /api/insights", instrument("insights", s.handleAPIInsights))
	mux.Handle("GET /api/compare", instrument("compare", s.handleAPICompare))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
