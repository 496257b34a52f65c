package server

import (
	"net/http"
	"strings"
)

// corsConfig controls the cross-origin policy for the dashboard.
type corsConfig struct {
	allowedOrigins []string
	allowedMethods []string
	allowedHeaders []string
}

// cors permits cross-origin use of the API. Defaults are permissive: the
// dashboard runs on a different origin in development.
func cors(cfg corsConfig) func(http.Handler) http.Handler {
	origins := cfg.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := cfg.allowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	headers := cfg.allowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type"}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origins[0])
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
