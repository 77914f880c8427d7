/*
Package handler provides the HTTP handlers and routing setup for the ClickBIT presence server.

This file defines the main Router, applying middleware for logging, CORS and
IP-based rate limiting before delegating requests to the API and WebSocket handlers.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"clickbit/internal/pkg/auth/jwt"
	"clickbit/internal/pkg/limiter"
	"clickbit/internal/pkg/logx"
	"clickbit/internal/pkg/resp"
)

const (
	LoginRate     = 0.2
	LoginBurst    = 5
	ConnectRate   = 0.5
	ConnectBurst  = 10
	bufferSizeKiB = 4096
)

// Router sets up the main HTTP routing table (chi.Router) for the application.
// The returned cleanup stops the rate limiter sweepers.
func Router(deps *AppDeps) (http.Handler, func()) {
	loginLimiter := limiter.NewIPRateLimiter(rate.Limit(LoginRate), LoginBurst)
	connectLimiter := limiter.NewIPRateLimiter(rate.Limit(ConnectRate), ConnectBurst)

	cleanup := func() {
		loginLimiter.Stop()
		connectLimiter.Stop()
	}

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  bufferSizeKiB,
		WriteBufferSize: bufferSizeKiB,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.IsDevelopment() {
				return true
			}

			origin := r.Header.Get("Origin")
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp.RespondSuccess(w, r, map[string]any{
			"status":  "ok",
			"service": "ClickBIT Presence Server",
			"stats":   deps.Registry.Stats(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(jwt.IdentityExtractorMiddleware(deps.Config.JWTSecret))

		api.With(loginLimiter.Middleware).Post("/auth/login", HandleLogin(deps))

		api.Route("/presence", func(p chi.Router) {
			p.Use(RequireAdmin)

			p.Get("/", HandleListPresence(deps))
			p.Post("/users/{id}/notify", HandleNotifyUser(deps))
			p.Post("/broadcast", HandleBroadcast(deps))
		})
	})

	r.Get("/ws", HandleWebSocket(deps, wsUpgrader, connectLimiter))

	return r, cleanup
}
