package export

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/export"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

const pageSize = 1000

// Register registers export routes
func Register(g *echo.Group) {
	g.GET("/links.csv", ExportLinks)
}

// ExportLinks streams every link of a run as CSV, one page at a time.
// run_id defaults to the latest run; a run without links is a 404.
func ExportLinks(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "ExportHandler.ExportLinks")
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
	}

	filter := models.LinkFilter{RunID: *runID, Limit: pageSize}
	page, err := st.ListLinks(ctx, filter)
	if err != nil {
		return err
	}
	if len(page) == 0 {
		return errors.Newf(errors.KindNotFound, "run %d has no links", *runID)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	resp.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="links-run-%d.csv"`, *runID))
	resp.WriteHeader(http.StatusOK)

	w := export.NewLinkWriter(resp)
	for len(page) > 0 {
		if err := w.Write(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			break
		}
		filter.Offset += len(page)
		if page, err = st.ListLinks(ctx, filter); err != nil {
			return err
		}
	}
	return nil
}
