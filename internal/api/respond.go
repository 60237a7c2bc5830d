package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/qualys/sbcompliance/internal/models"
	"github.com/qualys/sbcompliance/internal/supabase"
)

func now() time.Time { return time.Now().UTC() }

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"error":     message,
		"timestamp": now(),
	})
}

// respondUpstreamError maps a failed Management API call: rejected
// credentials are the caller's problem, anything else is a bad gateway.
func respondUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, supabase.ErrAuth) {
		respondError(w, http.StatusUnauthorized, "Invalid Supabase token")
		return
	}
	respondJSON(w, http.StatusBadGateway, map[string]any{
		"error":     "Supabase Management API request failed",
		"details":   err.Error(),
		"timestamp": now(),
	})
}

// internalError answers 500 and leaves an unhandled_error record.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.deps.Evidence.Record(r.Context(), "unhandled_error", models.EvidenceError, map[string]any{
		"error":     err.Error(),
		"method":    r.Method,
		"path":      r.URL.Path,
		"requestId": middleware.GetReqID(r.Context()),
	}, "")
	respondJSON(w, http.StatusInternalServerError, map[string]any{
		"error":     "Internal server error",
		"details":   err.Error(),
		"timestamp": now(),
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			s.logger.Error("panic serving request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			s.internalError(w, r, fmt.Errorf("%v", p))
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
