package middleware

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind any
		wantMsg  string
	}{
		{
			name:     "wrapped not found",
			err:      fmt.Errorf("load master: %w", fernerrors.NotFound("12")),
			wantCode: http.StatusNotFound,
			wantKind: "not_found",
		},
		{
			name:     "consistency violation",
			err:      fernerrors.New(fernerrors.KindConsistencyViolation, "cannot merge a record into itself"),
			wantCode: http.StatusUnprocessableEntity,
			wantKind: "consistency_violation",
		},
		{
			name:     "echo error",
			err:      echo.NewHTTPError(http.StatusMethodNotAllowed, "method not allowed"),
			wantCode: http.StatusMethodNotAllowed,
			wantMsg:  "method not allowed",
		},
		{
			name:     "unknown error hides details",
			err:      fmt.Errorf("pq: connection refused"),
			wantCode: http.StatusInternalServerError,
			wantMsg:  "Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := render(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.NotNil(t, resp.Meta)
			if tt.wantKind != nil {
				assert.Equal(t, tt.wantKind, resp.Meta["kind"])
			}
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, resp.Message)
			}
		})
	}
}
