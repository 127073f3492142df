package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainer(t *testing.T) {
	cfg := ectoinject.DefaultContainerConfig
	cfg.ID = uuid.NewString()
	_, err := ectoinject.NewDIContainer(cfg)
	require.NoError(t, err)

	tests := []struct {
		name     string
		id       string
		wantCall bool
		wantCode int
	}{
		{name: "registered container", id: cfg.ID, wantCall: true},
		{name: "default container", id: "", wantCall: true},
		{name: "unknown container", id: "missing-" + uuid.NewString(), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

			called := false
			err := Container(tt.id)(func(c echo.Context) error {
				called = true
				if tt.id != "" {
					active, err := ectoinject.GetActiveContainer(c.Request().Context())
					require.NoError(t, err)
					assert.Equal(t, tt.id, active.GetContainerID())
				}
				return nil
			})(c)

			assert.Equal(t, tt.wantCall, called)
			if tt.wantCode != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, httperror.GetStatusCode(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}
