package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)

	// Telemetry ingestion (device-token authenticated, not JWT)
	r.Post("/ingest/{device_id}", s.HandleIngest)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Post("/", s.HandleCreateDevice)
			r.Route("/{device_id}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Get("/status", s.HandleDeviceStatus)
				r.Delete("/", s.HandleDeactivateDevice)
			})
		})

		// Event log
		r.Get("/events", s.HandleListEvents)

		// Dashboard summary
		r.Get("/summary", s.HandleSummary)

		// Alerts
		r.Get("/alerts", s.HandleListAlerts)

		// Live updates (websocket)
		r.Get("/live", s.HandleLive)
	})
}
