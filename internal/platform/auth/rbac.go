package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin        = "admin"
	RoleBedManager   = "bed_manager"
	RoleNurse        = "nurse"
	RolePhysician    = "physician"
	RoleRegistrar    = "registrar"
	RoleHousekeeping = "housekeeping"
)

// Role sets used by route groups.
var (
	ReadRoles     = []string{RoleBedManager, RoleNurse, RolePhysician, RoleRegistrar, RoleHousekeeping}
	BedOpsRoles   = []string{RoleBedManager, RoleHousekeeping}
	MovementRoles = []string{RoleBedManager, RoleNurse, RolePhysician, RoleRegistrar}
	ApproverRoles = []string{RoleBedManager, RolePhysician}
)

// RequireRole lets the request through if the user has any of roles. Admin
// always passes.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, has := range userRoles {
				if has == RoleAdmin {
					return next(c)
				}
				for _, required := range roles {
					if has == required {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
