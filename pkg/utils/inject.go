package utils

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
)

// Resolve fetches a dependency from the request's active container. A
// missing dependency is a 500.
func Resolve[T any](ctx context.Context) (context.Context, T, error) {
	ctx, dep, err := ectoinject.GetContext[T](ctx)
	if err != nil {
		var zero T
		return ctx, zero, httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	return ctx, dep, nil
}
