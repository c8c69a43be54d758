package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/moneta-app/moneta/pkg/metrics"
	"github.com/moneta-app/moneta/pkg/middleware"
)

// newRouter assembles the HTTP surface: public health and metrics, and the
// JWT-protected import API under /v1.
func newRouter(deps *Dependencies) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(deps.Logger))

	rateLimiter := middleware.NewRateLimiter(
		deps.Config.Server.RateLimitPerSecond,
		deps.Config.Server.RateLimitBurst,
	)
	r.Use(rateLimiter.Middleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler(deps.Registry)).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(middleware.Auth(deps.Config.Auth.JWTSecret))
	deps.ImportHandler.Register(api)

	return cors.New(cors.Options{
		AllowedOrigins: []string{deps.Config.Server.BaseURL},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(r)
}
