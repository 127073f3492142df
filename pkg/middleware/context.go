package middleware

import (
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
)

// HeaderOperator carries the operator performing manual actions such as merges.
const HeaderOperator = "X-Operator"

// Context assigns a request id, echoing the caller's when present, and
// stores it with the operator on the request context.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := strings.TrimSpace(req.Header.Get(echo.HeaderXRequestID))
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := context.SetRequestID(req.Context(), requestID)
			ctx = context.SetOperator(ctx, strings.TrimSpace(req.Header.Get(HeaderOperator)))
			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
