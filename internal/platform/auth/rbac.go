package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Front-desk roles. Admin passes every check.
const (
	RoleAdmin     = "admin"
	RoleRegistrar = "registrar"
	RoleNurse     = "nurse"
	RolePhysician = "physician"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether has contains admin or one of allowed.
func HasAnyRole(has []string, allowed ...string) bool {
	for _, h := range has {
		if h == RoleAdmin {
			return true
		}
		for _, a := range allowed {
			if h == a {
				return true
			}
		}
	}
	return false
}
