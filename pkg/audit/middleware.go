package audit

import (
	"net/http"

	"github.com/google/uuid"
)

// Middleware injects the audit logger into every request context and
// records rejections that never reach a handler.
type Middleware struct {
	logger Logger
}

// NewMiddleware creates the audit middleware.
func NewMiddleware(logger Logger) *Middleware {
	return &Middleware{logger: logger}
}

// responseWriter captures the status code written downstream.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Handler wraps next with audit context plumbing. Typed events are the
// handlers' job; the middleware itself records only 401/403 responses,
// which auth layers produce before any handler runs.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := WithLogger(r.Context(), m.logger)
		ctx = WithRequestID(ctx, requestID)
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		if wrapped.statusCode == http.StatusUnauthorized || wrapped.statusCode == http.StatusForbidden {
			event := baseEvent(ctx, r, EventTypeAuthDenied, EventStatusDenied)
			event.StatusCode = wrapped.statusCode
			event.Message = http.StatusText(wrapped.statusCode)
			// The response is already written; nothing to do with a
			// failed audit write here.
			_ = m.logger.Log(ctx, event)
		}
	})
}
