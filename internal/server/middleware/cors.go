package middleware

import (
	"net/http"
	"slices"
	"time"

	"github.com/rs/cors"
)

// CORSMiddleware allows browser clients from the given origins.
// "*" allows any origin.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Mcp-Session-Id"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}

	if slices.Contains(origins, "*") {
		opts.AllowOriginFunc = func(string) bool { return true }
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.New(opts).Handler
}
