package audit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_InjectsLoggerAndRequestID(t *testing.T) {
	capture := &captureLogger{}
	middleware := NewMiddleware(capture)

	var seenRequestID string
	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRequestID = RequestIDFromContext(r.Context())
		require.NoError(t, FromContext(r.Context()).Log(r.Context(), &Event{
			EventType: EventTypeAuthSignin,
			Status:    EventStatusSuccess,
			RequestID: seenRequestID,
		}))
		w.WriteHeader(http.StatusOK)
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/callback", nil))

	assert.NotEmpty(t, seenRequestID)
	assert.Equal(t, seenRequestID, recorder.Header().Get("X-Request-ID"))

	events := capture.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeAuthSignin, events[0].EventType)
}

func TestMiddleware_PropagatesIncomingRequestID(t *testing.T) {
	middleware := NewMiddleware(&captureLogger{})

	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-abc", RequestIDFromContext(r.Context()))
	}))

	request := httptest.NewRequest(http.MethodGet, "/providers", nil)
	request.Header.Set("X-Request-ID", "req-abc")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	assert.Equal(t, "req-abc", recorder.Header().Get("X-Request-ID"))
}

func TestMiddleware_RecordsDeniedResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		logged bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		{"ok", http.StatusOK, false},
		{"not found", http.StatusNotFound, false},
		{"server error", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capture := &captureLogger{}
			middleware := NewMiddleware(capture)

			handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			request := httptest.NewRequest(http.MethodPost, "/providers/prov-1/sync", nil)
			request.Header.Set("X-Forwarded-For", "203.0.113.9")

			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, request)

			events := capture.all()
			if !tt.logged {
				assert.Empty(t, events)
				return
			}

			require.Len(t, events, 1)
			event := events[0]
			assert.Equal(t, EventTypeAuthDenied, event.EventType)
			assert.Equal(t, EventStatusDenied, event.Status)
			assert.Equal(t, tt.status, event.StatusCode)
			assert.Equal(t, http.StatusText(tt.status), event.Message)
			assert.Equal(t, http.MethodPost, event.Method)
			assert.Equal(t, "/providers/prov-1/sync", event.Path)
			assert.Equal(t, "203.0.113.9", event.IPAddress)
			assert.NotEmpty(t, event.RequestID)
		})
	}
}

func TestMiddleware_ImplicitOKFromWrite(t *testing.T) {
	capture := &captureLogger{}
	middleware := NewMiddleware(capture)

	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Empty(t, capture.all())
}
