package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kyeliu99/PFlow/internal/api/http/handlers"
	"github.com/kyeliu99/PFlow/internal/auth"
	"github.com/kyeliu99/PFlow/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health       *handlers.HealthHandler
	Tickets      *handlers.TicketsHandler
	Callbacks    *handlers.CallbacksHandler
	CallbackAuth *auth.CallbackMiddleware
	Metrics      *observability.Metrics
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if registry := cfg.Metrics.Registry(); registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api")

	tickets := api.Group("/tickets")
	tickets.Get("", cfg.Tickets.ListTickets)
	tickets.Post("", cfg.Tickets.CreateTicket)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Patch("/:id", cfg.Tickets.UpdateTicket)
	tickets.Post("/:id/submit", cfg.Tickets.SubmitTicket)
	tickets.Post("/:id/decision", cfg.Tickets.DecideTicket)
	tickets.Get("/:id/history", cfg.Tickets.ListHistory)

	engine := api.Group("/engine", cfg.CallbackAuth.Handle)
	engine.Post("/callbacks", cfg.Callbacks.Receive)
}
