package intake

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/intake"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Register registers intake routes
func Register(g *echo.Group) {
	g.POST("/add_or_check", AddOrCheck)
	g.POST("/force_add", ForceAdd)
}

// AddOrCheck admits the record unless it matches or, without
// force_create_on_review, falls in the review band. Created records get 201.
func AddOrCheck(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "IntakeHandler.AddOrCheck")
	defer span.End()

	input, err := utils.BindRequest[models.PatientInput](c)
	if err != nil {
		return err
	}
	runID, err := utils.QueryInt64(c, "run_id")
	if err != nil {
		return err
	}
	force, err := utils.QueryBool(c, "force_create_on_review")
	if err != nil {
		return err
	}

	ctx, matcher, err := utils.Resolve[*intake.Matcher](ctx)
	if err != nil {
		return err
	}

	result, err := matcher.AddOrCheck(ctx, intake.Request{
		Patient:             input,
		RunID:               runID,
		ForceCreateOnReview: force,
		AttachTo:            c.QueryParam("attach_to"),
	})
	if err != nil {
		return err
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, result)
}

// ForceAdd creates the record without a duplicate check.
func ForceAdd(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "IntakeHandler.ForceAdd")
	defer span.End()

	input, err := utils.BindRequest[models.PatientInput](c)
	if err != nil {
		return err
	}
	runID, err := utils.QueryInt64(c, "run_id")
	if err != nil {
		return err
	}

	ctx, matcher, err := utils.Resolve[*intake.Matcher](ctx)
	if err != nil {
		return err
	}

	view, err := matcher.ForceAdd(ctx, input, runID, c.QueryParam("attach_to"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, view)
}
