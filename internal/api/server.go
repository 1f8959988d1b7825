package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/nodeinfo-crawler/internal/dispatcher"
	"github.com/JakeFAU/nodeinfo-crawler/internal/metrics"
	"github.com/JakeFAU/nodeinfo-crawler/internal/middleware"
)

const statusTopKeys = 20

// StatusSource exposes the current crawl state.
type StatusSource interface {
	RunID() string
	Snapshot(topN int) dispatcher.Snapshot
}

// Server wires HTTP handlers to the running crawl.
type Server struct {
	router chi.Router
	source StatusSource
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(source StatusSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{source: source, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Metrics)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/status", s.status)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("status endpoint listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status endpoint: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type keyStatus struct {
	Key        string  `json:"key"`
	Queued     int     `json:"queued"`
	Active     int     `json:"active"`
	IntervalMS float64 `json:"interval_ms"`
	FloorMS    float64 `json:"floor_ms"`
	Budget     int     `json:"retry_budget"`
}

type statusResponse struct {
	RunID        string      `json:"run_id"`
	At           time.Time   `json:"at"`
	Total        int         `json:"total"`
	Completed    int         `json:"completed"`
	Queued       int         `json:"queued"`
	InFlight     int         `json:"in_flight"`
	PendingDNS   int         `json:"pending_dns"`
	Attempts     int         `json:"attempts"`
	Requests     int         `json:"requests"`
	Requeued     int         `json:"requeued"`
	Keys         int         `json:"keys"`
	ElevatedKeys int         `json:"elevated_keys"`
	TopKeys      []keyStatus `json:"top_keys"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot(statusTopKeys)
	resp := statusResponse{
		RunID:        s.source.RunID(),
		At:           snap.At.UTC(),
		Total:        snap.Total,
		Completed:    snap.Completed,
		Queued:       snap.Queued,
		InFlight:     snap.InFlight,
		PendingDNS:   snap.PendingDNS,
		Attempts:     snap.Attempts,
		Requests:     snap.Requests,
		Requeued:     snap.Requeued,
		Keys:         snap.Keys,
		ElevatedKeys: snap.ElevatedKeys,
		TopKeys:      make([]keyStatus, 0, len(snap.TopKeys)),
	}
	for _, k := range snap.TopKeys {
		resp.TopKeys = append(resp.TopKeys, keyStatus{
			Key:        k.Key,
			Queued:     k.Queued,
			Active:     k.Active,
			IntervalMS: float64(k.Interval) / float64(time.Millisecond),
			FloorMS:    float64(k.Floor) / float64(time.Millisecond),
			Budget:     k.Budget,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}
