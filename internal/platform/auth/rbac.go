package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether the caller holds one of roles. Admin holds every role.
func HasAnyRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == "admin" {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// RoleChecker grants a capability to holders of a fixed set of roles.
type RoleChecker struct {
	roles []string
}

// NewRoleChecker returns a checker for roles. Blank entries are ignored.
func NewRoleChecker(roles ...string) *RoleChecker {
	rc := &RoleChecker{}
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			rc.roles = append(rc.roles, r)
		}
	}
	return rc
}

// Allowed reports whether the caller on ctx holds one of the checker's roles.
// The subject must also be the authenticated user, so a capability cannot be
// exercised on behalf of someone else.
func (rc *RoleChecker) Allowed(ctx context.Context, userID string) bool {
	if userID == "" || userID != UserIDFromContext(ctx) {
		return false
	}
	return HasAnyRole(ctx, rc.roles...)
}
