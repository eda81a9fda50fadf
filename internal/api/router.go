package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"delivery-route-ledger/internal/api/handlers"
	"delivery-route-ledger/internal/ports"
	"delivery-route-ledger/internal/services"
)

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Routes    *services.RouteService
	Verifier  *services.Verifier
	Optimizer ports.Optimizer
	// Events serves the anchor event stream; optional.
	Events http.Handler
	Now    func() time.Time
}

// NewRouter wires HTTP handlers with their dependencies and returns an http.Handler.
// This is the API composition root (handlers stay unaware of concrete adapters).
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware, loggingMiddleware)

	routes := &handlers.RouteHandler{Routes: d.Routes, Optimizer: d.Optimizer, Now: d.Now}
	verify := &handlers.VerifyHandler{Verifier: d.Verifier}

	r.Get("/health", handlers.Health)
	if d.Events != nil {
		r.Handle("/events", d.Events)
	}

	r.Route("/routes", func(r chi.Router) {
		r.Get("/", routes.List)
		r.Post("/", routes.Create)
		if d.Optimizer != nil {
			r.Post("/optimize", routes.Optimize)
		}

		r.Route("/{routeID}", func(r chi.Router) {
			r.Get("/", routes.Get)
			r.Delete("/", routes.Delete)
			r.Post("/transition", routes.Transition)
			r.Post("/complete", routes.Complete)
			r.Post("/stops/{stopID}/start", routes.StartStop)
			r.Post("/stops/{stopID}/confirm", routes.ConfirmDelivery)

			r.Get("/verify", verify.Verify)
			r.Get("/anchor", verify.AnchorStatus)
			r.Post("/anchor/retry", routes.RetryAnchor)
		})
	})

	return r
}
