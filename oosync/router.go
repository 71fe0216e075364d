// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Handlers       *HTTPSyncHandlers
	Auth           *JWTAuth
	Hub            *Hub // optional; realtime route is omitted when nil
	RateLimitRPS   float64
	RateLimitBurst int
	DevTokens      bool
	Logger         *slog.Logger
}

// NewRouter builds the chi router:
//
//	POST /api/sync                  sync (JWT, rate limited per user)
//	GET  /api/sync/realtime         websocket invalidations (JWT)
//	GET  /api/sync/schema-version
//	GET  /health
//	POST /dev/token                 development only
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", cfg.Handlers.HandleHealth)
	r.Get("/api/sync/schema-version", cfg.Handlers.HandleSchemaVersion)

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)
		if cfg.RateLimitRPS > 0 {
			burst := cfg.RateLimitBurst
			if burst <= 0 {
				burst = 1
			}
			r.Use(RateLimit(cfg.RateLimitRPS, burst))
		}
		r.Post("/api/sync", cfg.Handlers.HandleSync)
	})

	if cfg.Hub != nil {
		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Middleware)
			r.Get("/api/sync/realtime", cfg.Hub.HandleRealtime)
		})
	}

	if cfg.DevTokens {
		r.Post("/dev/token", cfg.Handlers.HandleDevToken(cfg.Auth))
	}
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
