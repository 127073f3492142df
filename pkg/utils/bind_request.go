package utils

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/errors"
)

func BindRequest[T any](c echo.Context) (T, error) {
	var v T

	if err := c.Bind(&v); err != nil {
		return v, errors.Newf(errors.KindInvalidInput, "invalid request body: %v", err)
	}

	return Validate(v)
}

// QueryInt64 parses an optional integer query parameter. Absent yields nil.
func QueryInt64(c echo.Context, name string) (*int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.InvalidField(name, "must be an integer")
	}
	return &v, nil
}

// QueryInt parses an integer query parameter bounded to [lo, hi], falling back to def.
func QueryInt(c echo.Context, name string, def, lo, hi int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, errors.InvalidField(name, "must be an integer between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi))
	}
	return v, nil
}

func QueryBool(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.InvalidField(name, "must be a boolean")
	}
	return v, nil
}
