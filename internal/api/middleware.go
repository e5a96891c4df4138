// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"grimm.is/flymesh/internal/events"
)

// requireAdmin gates the admin surface on the X-Admin-Token header.
// The configured secret may be stored plain (constant-time compare) or
// as a bcrypt hash. Failures are published as security events so the
// audit mirror picks them up.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			s.publishAuthFailure(r, events.UnauthorizedAccess, "missing admin token")
			WriteErrorCode(w, http.StatusUnauthorized, "MISSING_TOKEN", ErrUnauthorized)
			return
		}
		if !s.adminTokenValid(token) {
			s.publishAuthFailure(r, events.AuthenticationFailed, "invalid admin token")
			WriteErrorCode(w, http.StatusUnauthorized, "INVALID_TOKEN", ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) adminTokenValid(token string) bool {
	srv := s.cfg.Server
	if srv == nil {
		return false
	}
	if srv.AdminSecretHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(srv.AdminSecretHash), []byte(token)) == nil
	}
	if srv.AdminSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(srv.AdminSecret)) == 1
}

func (s *Server) publishAuthFailure(r *http.Request, t events.Type, reason string) {
	s.bus.PublishAsync(r.Context(), events.New(t, map[string]any{
		"path":      r.URL.Path,
		"method":    r.Method,
		"source_ip": clientIP(r),
		"reason":    reason,
	}, "api"))
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// loggingMiddleware logs every request with its status and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/metrics" {
			return
		}
		duration := time.Since(start)
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", duration.Round(time.Millisecond).String(),
			"remote", clientIP(r),
		}
		switch {
		case wrapped.statusCode >= 500:
			s.log.Error("Request failed", args...)
		case wrapped.statusCode >= 400:
			s.log.Warn("Request rejected", args...)
		default:
			s.log.Info("Request", args...)
		}
	})
}

// maxBodyMiddleware limits request body size to prevent memory
// exhaustion. GET/HEAD/OPTIONS carry no body and are skipped.
func (s *Server) maxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for websocket upgrades behind the logger.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported")
}
