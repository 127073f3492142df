package patients

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/patients"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Register registers patient routes
func Register(g *echo.Group) {
	g.GET("/search", Search)
	g.GET("/:record_id", GetPatient)
	g.GET("/:record_id/merges", ListMerges)
	g.POST("/ingest", Ingest)
	g.POST("/merge", Merge)
	g.POST("/merge/preview", PreviewMerge)
}

// GetPatient returns the record, its cluster and its duplicate links.
func GetPatient(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PatientsHandler.GetPatient")
	defer span.End()

	runID, err := utils.QueryInt64(c, "run_id")
	if err != nil {
		return err
	}

	ctx, service, err := utils.Resolve[*patients.Service](ctx)
	if err != nil {
		return err
	}

	result, err := service.Get(ctx, c.Param("record_id"), runID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// ListMerges returns the merge events the record took part in.
func ListMerges(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PatientsHandler.ListMerges")
	defer span.End()

	ctx, service, err := utils.Resolve[*patients.Service](ctx)
	if err != nil {
		return err
	}

	events, err := service.MergeHistory(ctx, c.Param("record_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

func Search(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PatientsHandler.Search")
	defer span.End()

	runID, err := utils.QueryInt64(c, "run_id")
	if err != nil {
		return err
	}
	limit, err := utils.QueryInt(c, "limit", patients.DefaultSearchLimit, 1, 500)
	if err != nil {
		return err
	}

	ctx, service, err := utils.Resolve[*patients.Service](ctx)
	if err != nil {
		return err
	}

	results, err := service.Search(ctx, c.QueryParam("name"), runID, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, results)
}

func Ingest(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PatientsHandler.Ingest")
	defer span.End()

	req, err := utils.BindRequest[models.IngestRequest](c)
	if err != nil {
		return err
	}

	ctx, service, err := utils.Resolve[*patients.Service](ctx)
	if err != nil {
		return err
	}

	resp, err := service.Ingest(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// Merge folds duplicates into a master. The X-Operator header is recorded on the merge events.
func Merge(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PatientsHandler.Merge")
	defer span.End()

	req, err := utils.BindRequest[models.MergeRequest](c)
	if err != nil {
		return err
	}

	ctx, merger, err := utils.Resolve[*merging.Engine](ctx)
	if err != nil {
		return err
	}

	resp, err := merger.Merge(ctx, req, context.GetOperator(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func PreviewMerge(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PatientsHandler.PreviewMerge")
	defer span.End()

	req, err := utils.BindRequest[models.MergeRequest](c)
	if err != nil {
		return err
	}

	ctx, merger, err := utils.Resolve[*merging.Engine](ctx)
	if err != nil {
		return err
	}

	preview, err := merger.Preview(ctx, req.MasterRecordID, req.DuplicateRecordIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, preview)
}
