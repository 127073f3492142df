package clusters

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/clustering"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Register registers cluster routes
func Register(g *echo.Group) {
	g.GET("", ListClusters)
}

// ListClusters returns a run's clusters, largest first. run_id defaults to the latest run.
func ListClusters(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "ClustersHandler.ListClusters")
	defer span.End()

	runID, err := utils.QueryInt64(c, "run_id")
	if err != nil {
		return err
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
	} else if _, err := st.GetRun(ctx, *runID); err != nil {
		return err
	}

	assignments, err := st.ListAssignments(ctx, *runID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, clustering.Group(assignments))
}
