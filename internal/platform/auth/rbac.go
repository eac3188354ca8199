package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles recognised by the billing routes.
const (
	RoleAdmin             = "admin"
	RoleBilling           = "billing"
	RoleBillingSupervisor = "billing_supervisor"
	RoleAuditor           = "auditor"
)

// Denied is the body returned when a route-level role check fails. It has
// the same shape as billing errors so clients need only one decoder.
type Denied struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Required []string `json:"required_roles"`
}

// RequireRole rejects requests whose caller holds none of roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, Denied{
				Code:     "permission_denied",
				Message:  "requires role " + strings.Join(roles, " or "),
				Required: roles,
			})
		}
	}
}

// HasAnyRole reports whether held contains one of required, or admin.
func HasAnyRole(held []string, required ...string) bool {
	for _, has := range held {
		if has == RoleAdmin {
			return true
		}
		for _, want := range required {
			if has == want {
				return true
			}
		}
	}
	return false
}
