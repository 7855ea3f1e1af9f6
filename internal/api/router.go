package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mesh/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Ticket-authenticated; validated in the handler.
		r.Get(s.wsCfg.Path, s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/tokens", func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermTokenManage))
				r.Get("/", s.handleListTokens)
				r.Post("/", s.handleIssueToken)
				r.Delete("/{id}", s.handleRevokeToken)
			})

			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAudit)
			r.With(s.requirePermission(auth.PermFieldRead)).Get("/drivers", s.handleListDrivers)

			r.Route("/drivers/{driver}", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(s.requirePermission(auth.PermFieldRead))
					r.Get("/", s.handleGetDriver)
					r.Get("/fields", s.handleListFields)
					r.Get("/fields/{field}", s.handleReadField)
				})
				r.With(s.requirePermission(auth.PermFieldWrite)).Put("/fields/{field}", s.handleWriteField)

				r.Group(func(r chi.Router) {
					r.Use(s.requirePermission(auth.PermConfigRead))
					r.Get("/config", s.handleDownloadConfig)
					r.Get("/units/{unit}/diagnostics", s.handleUnitDiagnostics)
				})
				r.Group(func(r chi.Router) {
					r.Use(s.requirePermission(auth.PermConfigEdit))
					r.Post("/config", s.handleSubmitConfig)
					r.Patch("/units/{unit}", s.handleRenameUnit)
				})

				r.Group(func(r chi.Router) {
					r.Use(s.requirePermission(auth.PermNetworkManage))
					r.Post("/backdoor", s.handleBackdoor)
					r.Post("/network/{op}", s.handleStructural)
					r.Put("/config/supply", s.handleSupplyConfig)
				})
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	drivers := s.mesh.Drivers()
	states := make(map[string]string, len(drivers))
	for _, d := range drivers {
		states[d.ID] = d.State.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"uptime_s": int(time.Since(s.started).Seconds()),
		"drivers":  states,
		"sessions": s.clients.count(),
	})
}
