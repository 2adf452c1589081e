package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/basco1979/pacientes-bot/internal/platform/auth"
)

// Audit logs every state-changing admin API call with the caller identity.
// Reads are left to the request logger.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			ctx := req.Context()
			logger.Info().
				Str("type", "audit").
				Str("request_id", requestIDFrom(c)).
				Str("user_id", auth.UserIDFromContext(ctx)).
				Strs("user_roles", auth.RolesFromContext(ctx)).
				Str("action", auditAction(req.URL.Path)).
				Str("record_id", c.Param("id")).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Msg("admin_write")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(path, "/api/v1/")
}

// auditAction names the operation from the route shape.
//
//   - POST /api/v1/records          -> create
//   - POST /api/v1/records/7/pay    -> pay
//   - POST /api/v1/records/7/unpay  -> unpay
func auditAction(path string) string {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	switch {
	case len(segments) >= 3:
		return segments[2]
	case len(segments) == 1 && segments[0] != "":
		return "create"
	default:
		return "unknown"
	}
}
