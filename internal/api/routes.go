// Package api assembles the chi router of the /api surface.
// Public routes: /health, /api/auth/login|refresh|logout.
// Everything else under /api requires a Bearer access token.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/matiasleandrokruk/toolforge/internal/api/handlers"
	apmiddleware "github.com/matiasleandrokruk/toolforge/internal/api/middleware"
	"github.com/matiasleandrokruk/toolforge/internal/app"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
)

// NewRouter creates the chi router with all routes wired to a's services.
func NewRouter(a *app.App) *chi.Mux {
	r := chi.NewRouter()
	cfg := a.Config

	// Global middleware (runs on all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apmiddleware.RequestLogger(a.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-Match"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check, unauthenticated, used by load balancers and health probes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})

	rs := &handlers.Responder{ExposeInternal: cfg.IsDevelopment()}
	authn := apmiddleware.Auth(a.Auth)
	adminOnly := apmiddleware.RequireRole(permission.RoleAdmin)

	authHandler := handlers.NewAuthHandler(rs, a.Auth, !cfg.IsDevelopment())
	userHandler := handlers.NewUserHandler(rs, a.Auth)
	recordHandler := handlers.NewRecordHandler(rs, a.Records)
	schemaHandler := handlers.NewSchemaHandler(rs, a.Schemas, a.Records, a.Actions)
	realtime := handlers.NewRealtimeHandler(rs, a.Auth, a.Records, a.Bus, cfg.CORS.AllowedOrigins)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authHandler.Login)     // POST /api/auth/login
			r.Post("/refresh", authHandler.Refresh) // POST /api/auth/refresh
			r.Post("/logout", authHandler.Logout)   // POST /api/auth/logout
			r.With(authn).Post("/logout-all", authHandler.LogoutAll)
			r.With(authn).Get("/me", authHandler.Me)
		})

		// The websocket handshake authenticates itself from ?token=.
		r.Get("/realtime", realtime.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(authn)

			r.Route("/tools", func(r chi.Router) {
				r.Get("/", recordHandler.ListTools)        // GET /api/tools
				r.Get("/{toolId}", recordHandler.GetTool) // GET /api/tools/{toolId}
				r.Get("/{toolId}/audit", recordHandler.ToolAudit)
				r.Post("/{toolId}/actions/{actionId}", recordHandler.RunAction)

				r.Route("/{toolId}/records", func(r chi.Router) {
					r.Get("/", recordHandler.QueryRecords)
					r.Post("/", recordHandler.CreateRecord)
					r.Post("/bulk", recordHandler.BulkUpdate)
					r.Get("/{recordId}", recordHandler.GetRecord)
					r.Put("/{recordId}", recordHandler.UpdateRecord)
					r.Delete("/{recordId}", recordHandler.DeleteRecord)
					r.Get("/{recordId}/audit", recordHandler.RecordAudit)
				})
			})

			r.Route("/schemas", func(r chi.Router) {
				r.Get("/", schemaHandler.ListSchemas)
				r.Get("/tool/{toolId}", schemaHandler.GetSchemaByToolID)
				r.Get("/{id}", schemaHandler.GetSchema)

				r.Group(func(r chi.Router) {
					r.Use(adminOnly)
					r.Post("/", schemaHandler.CreateSchema)
					r.Post("/validate", schemaHandler.ValidateSchema)
					r.Put("/{id}", schemaHandler.UpdateSchema)
					r.Delete("/{id}", schemaHandler.DeleteSchema)
					r.Post("/{id}/publish", schemaHandler.PublishSchema)
					r.Post("/{id}/unpublish", schemaHandler.UnpublishSchema)
				})
			})

			r.Route("/users", func(r chi.Router) {
				r.Use(adminOnly)
				r.Get("/", userHandler.ListUsers)
				r.Post("/", userHandler.CreateUser)
				r.Get("/{id}", userHandler.GetUser)
				r.Put("/{id}", userHandler.UpdateUser)
				r.Delete("/{id}", userHandler.DeleteUser)
			})
		})
	})

	return r
}
