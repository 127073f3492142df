package dedupe

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/dedupe"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Register registers dedupe run routes
func Register(g *echo.Group) {
	g.POST("/runs", StartRun)
	g.GET("/runs", ListRuns)
	g.GET("/runs/:id", GetRun)
}

// StartRun runs full resolution over the active population. An empty body uses the configured strategy.
func StartRun(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "DedupeHandler.StartRun")
	defer span.End()

	req, err := utils.BindRequest[models.RunRequest](c)
	if err != nil {
		return err
	}

	ctx, service, err := utils.Resolve[*dedupe.Service](ctx)
	if err != nil {
		return err
	}

	summary, err := service.Run(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, summary)
}

func ListRuns(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "DedupeHandler.ListRuns")
	defer span.End()

	limit, err := utils.QueryInt(c, "limit", 20, 1, 500)
	if err != nil {
		return err
	}
	offset, err := utils.QueryInt(c, "offset", 0, 0, 1<<30)
	if err != nil {
		return err
	}

	ctx, st, err := utils.Resolve[store.Store](ctx)
	if err != nil {
		return err
	}

	runs, err := st.ListRuns(ctx, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

func GetRun(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "DedupeHandler.GetRun")
	defer span.End()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return errors.InvalidField("id", "must be an integer")
	}

	ctx, st, err := utils.Resolve[store.Store](ctx)
	if err != nil {
		return err
	}

	run, err := st.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}
