package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/elonfeng/feedrank/internal/engine"
	"github.com/elonfeng/feedrank/internal/scheduler"
	"github.com/elonfeng/feedrank/pkg/ranking"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Ranker is what the API needs from the ranking engine.
type Ranker interface {
	GetFeed(ctx context.Context, page, pageSize int) (*ranking.FeedPage, error)
	TriggerRecalculation(ctx context.Context, force bool) (ranking.UpdateResult, error)
	AnalyzeItem(ctx context.Context, id string) (*ranking.ItemAnalysis, error)
	SetEditorPick(ctx context.Context, id string, on bool) error
	GetStatistics(ctx context.Context) (*engine.Statistics, error)
	GetSettings(ctx context.Context) (ranking.AlgorithmSettings, error)
	UpdateSettings(ctx context.Context, values map[string]string) (ranking.AlgorithmSettings, error)
	StartAutoUpdate(ctx context.Context, strategy, frequency string) (scheduler.View, error)
	StopAutoUpdate(ctx context.Context) error
	GetAutoUpdateStatus(ctx context.Context) (scheduler.View, error)
}

// Server provides the HTTP API.
type Server struct {
	ranker Ranker
	port   int
	logger zerolog.Logger
}

// New creates a new HTTP server.
func New(ranker Ranker, port int, logger zerolog.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	return &Server{
		ranker: ranker,
		port:   port,
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/feed", s.handleFeed)

		r.Route("/ranking", func(r chi.Router) {
			r.Post("/recalculate", s.handleRecalculate)
			r.Get("/items/{id}/analysis", s.handleAnalysis)
			r.Put("/items/{id}/pick", s.handlePick)
			r.Delete("/items/{id}/pick", s.handlePick)
			r.Get("/stats", s.handleStats)
			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handlePutSettings)
			r.Get("/auto-update", s.handleAutoUpdateStatus)
			r.Post("/auto-update", s.handleAutoUpdateStart)
			r.Delete("/auto-update", s.handleAutoUpdateStop)
		})
	})
	return r
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("feedrank server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return ctx.Err()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	size, err := intParam(r, "page_size")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	feed, err := s.ranker.GetFeed(r.Context(), page, size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid force %q", v))
			return
		}
		force = b
	}

	res, err := s.ranker.TriggerRecalculation(r.Context(), force)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.ranker.AnalyzeItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// handlePick pins the item on PUT and unpins it on DELETE.
func (s *Server) handlePick(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	on := r.Method == http.MethodPut
	if err := s.ranker.SetEditorPick(r.Context(), id, on); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "picked": on})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ranker.GetStatistics(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.ranker.GetSettings(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handlePutSettings accepts a flat JSON object of setting names to numbers
// or numeric strings.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode settings: %w", err))
		return
	}

	values := make(map[string]string, len(body))
	for k, v := range body {
		switch v := v.(type) {
		case float64:
			values[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case string:
			values[k] = v
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("setting %s must be a number", k))
			return
		}
	}

	settings, err := s.ranker.UpdateSettings(r.Context(), values)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type autoUpdateRequest struct {
	Strategy  string `json:"strategy"`
	Frequency string `json:"frequency"`
}

func (s *Server) handleAutoUpdateStart(w http.ResponseWriter, r *http.Request) {
	var req autoUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	view, err := s.ranker.StartAutoUpdate(r.Context(), req.Strategy, req.Frequency)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAutoUpdateStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ranker.StopAutoUpdate(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleAutoUpdateStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.ranker.GetAutoUpdateStatus(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// fail maps domain errors to status codes and logs the rest.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ranking.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, ranking.ErrMalformedItem):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInvalidSetting),
		errors.Is(err, scheduler.ErrInvalidStrategy),
		errors.Is(err, scheduler.ErrInvalidFrequency):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
