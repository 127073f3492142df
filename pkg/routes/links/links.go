package links

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

const DefaultLimit = 100

// Register registers link routes
func Register(g *echo.Group) {
	g.GET("", ListLinks)
}

// ListLinks pages through a run's links. run_id defaults to the latest run.
func ListLinks(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "LinksHandler.ListLinks")
	defer span.End()

	runID, err := utils.QueryInt64(c, "run_id")
	if err != nil {
		return err
	}
	limit, err := utils.QueryInt(c, "limit", DefaultLimit, 1, 10000)
	if err != nil {
		return err
	}
	offset, err := utils.QueryInt(c, "offset", 0, 0, 1<<30)
	if err != nil {
		return err
	}

	decision := models.Decision(c.QueryParam("decision"))
	if decision != "" && !decision.Valid() {
		return errors.InvalidField("decision", "must be one of match, review, non-match")
	}

	ctx, st, err := utils.Resolve[store.Store](ctx)
	if err != nil {
		return err
	}

	if runID == nil {
		run, err := st.LatestRun(ctx)
		if err != nil {
			return err
		}
		runID = &run.ID
	}

	links, err := st.ListLinks(ctx, models.LinkFilter{
		RunID:    *runID,
		Decision: decision,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, links)
}
