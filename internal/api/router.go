package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ApplY3D/com.xiaomi-miio/internal/auth"
	"github.com/ApplY3D/com.xiaomi-miio/internal/metrics"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		read := r.With(s.requirePermission(auth.PermDeviceRead))
		read.Get("/status", s.handleStatus)
		read.Get("/ws", s.handleWebSocket)
		read.Get("/gateways", s.handleListGateways)

		r.Route("/devices", func(r chi.Router) {
			r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleGetDevice)

				r.Group(func(r chi.Router) {
					r.Use(s.requirePermission(auth.PermDeviceOperate))
					r.Post("/capabilities/{capability}", s.handleSetCapability)
					r.Post("/actions/{action}", s.handleRunAction)
				})

				r.With(s.requirePermission(auth.PermDeviceConfigure)).Patch("/settings", s.handleUpdateDeviceSettings)
			})
		})

		r.Route("/settings", func(r chi.Router) {
			r.With(s.requirePermission(auth.PermDeviceRead)).Get("/gatewaysList", s.handleGetGatewaysList)
			r.With(s.requirePermission(auth.PermDeviceConfigure)).Put("/gatewaysList", s.handleSetGatewaysList)
		})

		r.Route("/pairing", func(r chi.Router) {
			r.Use(s.requirePermission(auth.PermGatewayPair))
			r.Post("/key", s.handleGenerateKey)
			r.Post("/bind", s.handleBindKey)
			r.Post("/test", s.handleTestConnection)
		})
	})

	return r
}

// handleHealth returns the bridge health. It answers 200 while degraded;
// the status field says why. It stays open when auth is enabled so probes
// need no token.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Health())
}
