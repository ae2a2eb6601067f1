package middleware

import (
	"fmt"
	"net/http"
)

type CORSConfig struct {
	AllowedOrigins []string
	MaxAge         int
}

type corsMiddleware struct {
	config CORSConfig
}

func NewCORSMiddleware(config CORSConfig) Middleware {
	return &corsMiddleware{
		config: config,
	}
}

func (m *corsMiddleware) allowedOrigin(origin string) string {
	for _, allowedOrigin := range m.config.AllowedOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			return origin
		}
	}

	return ""
}

func (m *corsMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		responseOrigin := m.allowedOrigin(r.Header.Get("Origin"))

		w.Header().Add("Vary", "Origin")
		if responseOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", responseOrigin)
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
			w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", m.config.MaxAge))

			w.WriteHeader(204)
			return
		}

		next.ServeHTTP(w, r)
	})
}
