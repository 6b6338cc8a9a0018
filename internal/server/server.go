// Package server exposes the stored candidates and source statistics over a
// read-only HTTP API for report renderers and dashboards.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diamond-finder/internal/model"
	"github.com/sells-group/diamond-finder/internal/store"
)

const maxLimit = 500

// Options configures the API.
type Options struct {
	DefaultLimit      int
	DefaultMinScore   float64
	DefaultRecentDays int
	CORSOrigins       []string
	// Gatherer backs /metrics. nil serves the default registry.
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

// Server serves the read-only API.
type Server struct {
	candidates store.CandidateStore
	tracker    store.PerformanceTracker
	opts       Options
	router     chi.Router
}

// New builds the router.
func New(candidates store.CandidateStore, tracker store.PerformanceTracker, opts Options) *Server {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	if opts.DefaultRecentDays <= 0 {
		opts.DefaultRecentDays = 1
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{candidates: candidates, tracker: tracker, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/candidates/top", s.handleTop)
		r.Get("/candidates/recent", s.handleRecent)
		r.Get("/candidates/count", s.handleCount)
		r.Get("/candidates/{id}", s.handleGet)
		r.Get("/strategies", s.handleStrategies)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on port until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server: shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("server: listening", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", s.opts.DefaultLimit)
	if err != nil || limit < 1 || limit > maxLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLimit))
		return
	}
	minScore, err := floatParam(r, "min_score", s.opts.DefaultMinScore)
	if err != nil || minScore < 0 || minScore > 100 {
		writeError(w, http.StatusBadRequest, "min_score must be between 0 and 100")
		return
	}

	cands, err := s.candidates.Top(r.Context(), limit, minScore)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, candidateList{Candidates: nonNil(cands), Count: len(cands)})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", s.opts.DefaultRecentDays)
	if err != nil || days < 1 {
		writeError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}

	since := model.DayCutoff(s.opts.Now(), days)
	cands, err := s.candidates.Recent(r.Context(), since)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, candidateList{Candidates: nonNil(cands), Count: len(cands), Since: &since})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.candidates.Count(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid candidate id")
		return
	}

	c, err := s.candidates.Get(r.Context(), id)
	if eris.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "candidate not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	perfs, err := s.tracker.ListPerformance(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	model.RankByEffectiveness(perfs)

	out := make([]strategyView, 0, len(perfs))
	for _, p := range perfs {
		out = append(out, newStrategyView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": out})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("server: request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

type candidateList struct {
	Candidates []model.Candidate `json:"candidates"`
	Count      int               `json:"count"`
	Since      *time.Time        `json:"since,omitempty"`
}

type strategyView struct {
	model.StrategyPerformance
	Precision     float64 `json:"precision"`
	Diversity     float64 `json:"diversity"`
	Richness      float64 `json:"richness"`
	Effectiveness float64 `json:"effectiveness"`
}

func newStrategyView(p model.StrategyPerformance) strategyView {
	return strategyView{
		StrategyPerformance: p,
		Precision:           p.Precision(),
		Diversity:           p.Diversity(),
		Richness:            p.Richness(),
		Effectiveness:       p.Effectiveness(),
	}
}

func nonNil(c []model.Candidate) []model.Candidate {
	if c == nil {
		return []model.Candidate{}
	}
	return c
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func floatParam(r *http.Request, name string, def float64) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseFloat(v, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger logs one line per request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
