package middleware

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		handler        http.HandlerFunc
		name           string
		method         string
		path           string
		wantLevel      string
		expectedStatus int
	}{
		{
			name:   "GET request with 200 OK",
			method: http.MethodGet,
			path:   "/api/v1/entities",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("success"))
			},
			expectedStatus: http.StatusOK,
			wantLevel:      "level=INFO",
		},
		{
			name:   "Request with 404 Not Found",
			method: http.MethodGet,
			path:   "/api/v1/conflicts/missing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			expectedStatus: http.StatusNotFound,
			wantLevel:      "level=WARN",
		},
		{
			name:   "Request with 500 Internal Server Error",
			method: http.MethodPost,
			path:   "/api/v1/entities",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			expectedStatus: http.StatusInternalServerError,
			wantLevel:      "level=ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf strings.Builder
			logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			}))

			handler := LoggingMiddleware(logger)(tt.handler)

			req := httptest.NewRequest(tt.method, tt.path+"?access_token=secret", nil)
			req.RemoteAddr = "192.168.1.1:12345"
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			logOutput := logBuf.String()
			assert.Contains(t, logOutput, tt.wantLevel)
			assert.Contains(t, logOutput, "path="+tt.path)
			assert.NotContains(t, logOutput, "secret")
		})
	}
}

func TestLoggingWithSkip(t *testing.T) {
	var logBuf strings.Builder
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	handler := LoggingWithSkip(logger, []string{"/api/v1/health"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Empty(t, logBuf.String())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sync/metrics", nil))
	assert.Contains(t, logBuf.String(), "/api/v1/sync/metrics")
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestResponseWriter_Hijack(t *testing.T) {
	inner := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := &responseWriter{ResponseWriter: inner, statusCode: http.StatusOK}

	_, _, err := rw.Hijack()
	require.NoError(t, err)
	assert.True(t, inner.hijacked)
	assert.Equal(t, http.StatusSwitchingProtocols, rw.statusCode)
	assert.Equal(t, http.ResponseWriter(inner), rw.Unwrap())

	plain := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err = plain.Hijack()
	assert.Error(t, err)
}

func TestResponseWriter_Flush(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: inner, statusCode: http.StatusOK}

	rw.Flush()
	assert.True(t, inner.Flushed)
}
