package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// Error renders resolution errors, ectoerror HTTP errors and echo errors as
// an ErrorResponse. Anything else is a 500 with a generic message.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		code, resp := render(err)
		resp.RequestID = context.GetRequestID(ctx)
		resp.TraceID = tracing.GetTraceID(ctx)

		log := logger.WithContext(ctx).WithError(err).WithField("status", code)
		if code >= http.StatusInternalServerError {
			log.Error("Request returned an error")
		} else {
			log.Warn("Request rejected")
		}

		if c.Response().Committed {
			return
		}
		_ = c.JSON(code, resp)
	}
}

func render(err error) (int, ErrorResponse) {
	if re, ok := fernerrors.As(err); ok {
		err = re.ToHTTPError()
	}

	if httperror.IsHTTPError(err) {
		he := httperror.ToHTTPError(err)
		meta := he.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		return httperror.GetStatusCode(err), ErrorResponse{Message: he.Error(), Meta: meta}
	}

	var ee *echo.HTTPError
	if errors.As(err, &ee) {
		message := http.StatusText(ee.Code)
		if msg, ok := ee.Message.(string); ok {
			message = msg
		}
		return ee.Code, ErrorResponse{Message: message, Meta: map[string]any{}}
	}

	return http.StatusInternalServerError, ErrorResponse{Message: "Internal Server Error", Meta: map[string]any{}}
}
