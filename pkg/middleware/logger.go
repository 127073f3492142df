package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
)

// Logger writes one access log line per request. Health and metrics requests
// are logged at debug so they do not drown the request log.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			ctx := req.Context()

			fields := map[string]any{
				"request_id":    context.GetRequestID(ctx),
				"operator":      context.GetOperator(ctx),
				"method":        req.Method,
				"uri":           req.RequestURI,
				"status":        res.Status,
				"route":         c.Path(),
				"remote_ip":     c.RealIP(),
				"response_time": time.Since(start),
				"response_size": strconv.FormatInt(res.Size, 10),
			}
			if id := c.Param("record_id"); id != "" {
				fields["record_id"] = id
			}

			entry := logger.WithContext(ctx).WithFields(fields)
			switch {
			case res.Status >= http.StatusInternalServerError:
				entry.Error("Request failed")
			case isHealthRoute(c.Path()):
				entry.Debug("Request")
			default:
				entry.Info("Request")
			}
			return nil
		}
	}
}

func isHealthRoute(route string) bool {
	return strings.HasSuffix(route, "/metrics") || strings.Contains(route, "/health")
}
