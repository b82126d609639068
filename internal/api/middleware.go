package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/lei/fletch-ci/internal/config"
	"github.com/lei/fletch-ci/pkg/logger"
)

// AuthMiddleware handles API key authentication
type AuthMiddleware struct {
	keys []config.APIKey
}

// NewAuthMiddleware creates a new auth middleware. With no keys configured
// every request is allowed.
func NewAuthMiddleware(keys []config.APIKey) *AuthMiddleware {
	return &AuthMiddleware{keys: keys}
}

// lookup returns the name of the key matching token
func (m *AuthMiddleware) lookup(token string) (string, bool) {
	for _, k := range m.keys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(token)) == 1 {
			return k.Name, true
		}
	}
	return "", false
}

// Authenticate validates the API key from the Authorization header
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		logger := GetLogger(r.Context())

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			logger.Warn("authentication failed: missing authorization header")
			respondError(w, r, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Expect: "Bearer <api_key>"
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			logger.Warn("authentication failed: invalid authorization format")
			respondError(w, r, http.StatusUnauthorized, "invalid authorization format, expected 'Bearer <token>'")
			return
		}

		name, valid := m.lookup(token)
		if !valid {
			logger.Warn("authentication failed: invalid api key")
			respondError(w, r, http.StatusUnauthorized, "invalid api key")
			return
		}

		logger.Debug("authentication successful", "api_key_name", name)

		// Add key name to context for logging/audit
		ctx := context.WithValue(r.Context(), contextKeyAPIKeyName, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware adds structured logging to all requests
type LoggingMiddleware struct {
	logger *logger.Logger
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(logger *logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Handler wraps HTTP handlers with a request-scoped logger and logs the
// outcome of every request
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get request ID from chi's middleware
		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = "unknown"
		}

		// Create request-scoped logger
		reqLogger := m.logger.With(
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
		)

		// Add logger and request ID to context
		ctx := context.WithValue(r.Context(), contextKeyLogger, reqLogger)
		ctx = context.WithValue(ctx, contextKeyRequestID, requestID)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		// Status polling is frequent, successful requests stay at debug
		args := []any{
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes_written", wrapped.bytesWritten,
		}
		switch {
		case wrapped.statusCode >= 500:
			reqLogger.Error("request completed", args...)
		case wrapped.statusCode >= 400:
			reqLogger.Warn("request completed", args...)
		default:
			reqLogger.Debug("request completed", args...)
		}
	})
}

// responseWriter captures the status code and bytes written
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}
