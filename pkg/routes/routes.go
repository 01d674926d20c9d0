// Package routes mounts the HTTP API on an echo server.
package routes

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/pkg/backlog"
	"github.com/Ramsey-B/fern/pkg/candidates"
	"github.com/Ramsey-B/fern/pkg/graphsync"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/hypothesis"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	auditroutes "github.com/Ramsey-B/fern/pkg/routes/audits"
	backlogroutes "github.com/Ramsey-B/fern/pkg/routes/backlog"
	candidateroutes "github.com/Ramsey-B/fern/pkg/routes/candidates"
	coderoutes "github.com/Ramsey-B/fern/pkg/routes/codes"
	graphsyncroutes "github.com/Ramsey-B/fern/pkg/routes/graphsync"
	hypothesisroutes "github.com/Ramsey-B/fern/pkg/routes/hypotheses"
	mergeroutes "github.com/Ramsey-B/fern/pkg/routes/merges"
	"github.com/Ramsey-B/fern/pkg/tasks"
)

// Services are the handlers' collaborators
type Services struct {
	Candidates  *candidates.Service
	Hypotheses  *hypothesis.Gate
	Merges      *merging.Governor
	Backlog     *backlog.Monitor
	GraphSync   *graphsync.Coordinator
	Tasks       *tasks.Runner
	Health      *health.Checker
	ServiceName string
}

// NewServer builds an echo server with middleware and every route mounted
func NewServer(services Services, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	if services.ServiceName != "" {
		e.Use(otelecho.Middleware(services.ServiceName))
	}
	e.Use(middleware.Context(), middleware.Logger(logger))

	Register(e, services, logger)
	return e
}

// Register mounts routes on e
func Register(e *echo.Echo, services Services, logger ectologger.Logger) {
	if services.Health != nil {
		services.Health.RegisterRoutes(e)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	project := api.Group("/projects/:project_id")

	candidateroutes.NewHandler(services.Candidates, logger).Register(project.Group("/candidates"))
	hypothesisroutes.NewHandler(services.Hypotheses).Register(project.Group("/hypotheses"))
	mergeroutes.NewHandler(services.Merges).Register(project.Group("/merges"))
	backlogroutes.NewHandler(services.Backlog).Register(project.Group("/backlog"))
	coderoutes.NewHandler(services.Candidates).Register(project.Group("/codes"))
	graphsyncroutes.NewHandler(services.GraphSync).Register(project.Group("/graph-sync"))

	audits := auditroutes.NewHandler(services.Tasks)
	audits.Register(project.Group("/audits"))
	audits.RegisterTasks(api.Group("/tasks"))
}
