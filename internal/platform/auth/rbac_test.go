package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireRole(t *testing.T) {
	writers := RequireRole(RoleBilling, RoleBillingSupervisor)

	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"billing clerk", []string{RoleBilling}, true},
		{"supervisor", []string{"nurse", RoleBillingSupervisor}, true},
		{"admin", []string{RoleAdmin}, true},
		{"auditor is read only", []string{RoleAuditor}, false},
		{"anonymous", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/billing-cases", nil)
			req = req.WithContext(WithIdentity(req.Context(), "u1", tt.roles))
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(req, rec)

			called := false
			err := writers(func(c echo.Context) error {
				called = true
				return c.NoContent(http.StatusNoContent)
			})(c)

			if tt.allowed {
				require.NoError(t, err)
				assert.True(t, called)
				return
			}
			assert.False(t, called)
			var he *echo.HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, http.StatusForbidden, he.Code)
			denied, ok := he.Message.(Denied)
			require.True(t, ok, "message is %T", he.Message)
			assert.Equal(t, "permission_denied", denied.Code)
			assert.Equal(t, []string{RoleBilling, RoleBillingSupervisor}, denied.Required)
		})
	}
}

func TestRequireRole_DeniedBodyViaEcho(t *testing.T) {
	e := echo.New()
	e.GET("/audit", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, RequireRole(RoleAuditor))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"code":"permission_denied","message":"requires role auditor","required_roles":["auditor"]}`, rec.Body.String())
}

func TestHasAnyRole(t *testing.T) {
	assert.True(t, HasAnyRole([]string{RoleBilling}, RoleBilling, RoleAuditor))
	assert.True(t, HasAnyRole([]string{RoleAdmin}, RoleBillingSupervisor))
	assert.False(t, HasAnyRole([]string{"nurse"}, RoleBilling))
	assert.False(t, HasAnyRole(nil, RoleBilling))
	assert.False(t, HasAnyRole([]string{RoleBilling}))
}

func TestIdentityFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), "sup-2", []string{RoleBillingSupervisor})
	assert.Equal(t, "sup-2", UserIDFromContext(ctx))
	assert.Equal(t, []string{RoleBillingSupervisor}, RolesFromContext(ctx))
	assert.Empty(t, UserIDFromContext(context.Background()))
	assert.Nil(t, RolesFromContext(context.Background()))
}
