// Package web exposes cache administration and session endpoints over HTTP.
package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dlmonitor/dlcache/internal/auth"
	"github.com/dlmonitor/dlcache/internal/observability"
	"github.com/dlmonitor/dlcache/pkg/cache"
	"github.com/dlmonitor/dlcache/pkg/cachestats"
	"github.com/dlmonitor/dlcache/pkg/invalidate"
	"github.com/dlmonitor/dlcache/pkg/session"
)

// Deps are the services the HTTP layer calls into.
type Deps struct {
	Cache       *cache.Facade
	Inspector   *cachestats.Inspector
	Invalidator *invalidate.Invalidator
	Sessions    *session.Manager
	Tokens      auth.Verifier
	Obs         *observability.Manager
	Cookie      CookieConfig
	CORSOrigins []string
}

type handler struct {
	cache       *cache.Facade
	inspector   *cachestats.Inspector
	invalidator *invalidate.Invalidator
	sessions    *session.Manager
	obs         *observability.Manager
	cookie      CookieConfig
}

// NewRouter builds the route tree.
func NewRouter(deps Deps) http.Handler {
	h := &handler{
		cache:       deps.Cache,
		inspector:   deps.Inspector,
		invalidator: deps.Invalidator,
		sessions:    deps.Sessions,
		obs:         deps.Obs,
		cookie:      deps.Cookie.withDefaults(),
	}

	// An empty list or "*" admits any origin, but never with credentials.
	origins := deps.CORSOrigins
	credentials := len(origins) > 0
	for _, o := range origins {
		if o == "*" {
			credentials = false
		}
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(requestLogger)
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: credentials,
		MaxAge:           300,
	}))

	router.Get("/health", h.health)
	router.Method(http.MethodGet, "/metrics", deps.Obs.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(loadSession(deps.Sessions, h.cookie.Name))
		r.Use(authenticate(deps.Tokens))

		r.Route("/cache", func(r chi.Router) {
			r.Get("/health", h.cacheHealth)
			r.Get("/info", h.cacheInfo)
			r.Get("/stats", h.cacheStats)
			r.Get("/keys", h.cacheKeys)

			r.Group(func(r chi.Router) {
				r.Use(requireUser)
				r.Post("/invalidate", h.invalidate)
				r.Get("/key/*", h.getKey)
				r.Delete("/key/*", h.deleteKey)
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.createSession)
			r.Get("/current", h.currentSession)
			r.Post("/logout", h.logout)

			r.Group(func(r chi.Router) {
				r.Use(requireUser)
				r.Get("/", h.listSessions)
				r.Delete("/", h.revokeSessions)
			})
		})
	})

	return router
}
