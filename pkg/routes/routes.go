// Package routes mounts the HTTP handlers under /api/v1.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/clusters"
	"github.com/Ramsey-B/fern/pkg/routes/dedupe"
	"github.com/Ramsey-B/fern/pkg/routes/export"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/intake"
	"github.com/Ramsey-B/fern/pkg/routes/links"
	"github.com/Ramsey-B/fern/pkg/routes/patients"
)

const Prefix = "/api/v1"

type Handlers struct {
	Health  *health.Checker
	Metrics bool
	// ContainerID names the ectoinject container the resolution routes
	// resolve their services from. Empty uses the default container.
	ContainerID string
}

// Mount registers the health routes and every resolution route on e.
func (h Handlers) Mount(e *echo.Echo) {
	api := e.Group(Prefix)

	if h.Health != nil {
		h.Health.Register(api, h.Metrics)
	}

	inject := middleware.Container(h.ContainerID)
	dedupe.Register(api.Group("/dedupe", inject))
	links.Register(api.Group("/links", inject))
	clusters.Register(api.Group("/clusters", inject))
	patients.Register(api.Group("/patients", inject))
	intake.Register(api.Group("/intake", inject))
	export.Register(api.Group("/export", inject))
}
