package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		origin     string
		wantHeader string
		origins    []string
	}{
		{name: "wildcard", origins: []string{"*"}, origin: "https://app.example", wantHeader: "https://app.example"},
		{name: "listed origin", origins: []string{"https://ui.example"}, origin: "https://ui.example", wantHeader: "https://ui.example"},
		{name: "unlisted origin", origins: []string{"https://ui.example"}, origin: "https://evil.example", wantHeader: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := CORSMiddleware(tt.origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantHeader, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}
