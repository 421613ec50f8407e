package rpc

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		took := time.Since(start)
		status := strconv.Itoa(ww.Status())
		s.metrics.ObserveRequest(r.URL.Path, status, took)
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("route", r.URL.Path),
			slog.String("status", status),
			slog.Duration("took", took),
			slog.String("request_id", ww.Header().Get(requestIDHeader)),
		)
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireGovernance gates parameter-changing endpoints behind a bearer token.
// When no token is configured the endpoints are disabled entirely.
func (s *Server) requireGovernance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.govToken == "" {
			writeError(w, http.StatusNotFound, "governance endpoints disabled")
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.govToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid governance token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
