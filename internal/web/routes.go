package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/smart-attendance/internal/web/handlers"
	"github.com/kozaktomas/smart-attendance/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	sessionsHandler := handlers.NewSessionsHandler(s.service)
	probesHandler := handlers.NewProbesHandler(s.service)
	identitiesHandler := handlers.NewIdentitiesHandler(s.service)
	ledgerHandler := handlers.NewLedgerHandler(s.service)
	statsHandler := handlers.NewStatsHandler(s.service)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken([]byte(s.config.Auth.JWTKey)))

			// Stats
			r.Get("/stats", statsHandler.Get)

			// Identities
			r.Get("/identities", identitiesHandler.List)
			r.Post("/identities", identitiesHandler.Enroll)
			r.Post("/identities/{id}/embeddings", identitiesHandler.AddEmbeddings)
			r.Delete("/identities/{id}", identitiesHandler.Remove)
			r.Get("/identities/{id}/ledger", identitiesHandler.Ledger)

			// Sessions
			r.Post("/sessions", sessionsHandler.Create)
			r.Get("/sessions", sessionsHandler.List)
			r.Get("/sessions/{id}", sessionsHandler.Get)
			r.Post("/sessions/{id}/open", sessionsHandler.Open)
			r.Post("/sessions/{id}/close", sessionsHandler.Close)
			r.Post("/sessions/{id}/cancel", sessionsHandler.Cancel)
			r.Get("/sessions/{id}/ledger", sessionsHandler.Ledger)
			r.Get("/sessions/{id}/rejections", sessionsHandler.Rejections)
			r.Get("/sessions/{id}/events", sessionsHandler.Events)

			// Probes
			r.Post("/sessions/{id}/probes", probesHandler.Ingest)
			r.Post("/sessions/{id}/probes/embedding", probesHandler.IngestEmbedding)

			// Ledger corrections
			r.Post("/ledger/{entryId}/corrections", ledgerHandler.Correct)
		})
	})
}
