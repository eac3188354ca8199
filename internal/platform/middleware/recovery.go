package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/platform/auth"
)

// Recovery turns a handler panic into a 500 that carries the request id, so
// a cashier can quote it when a payment screen fails. The transaction the
// handler had open is rolled back by the deferred rollback in db.TxManager.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				rid := RequestID(c)
				req := c.Request()
				logger.Error().
					Str("request_id", rid).
					Str("user_id", auth.UserIDFromContext(req.Context())).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
					"code":       "internal",
					"message":    "internal server error",
					"request_id": rid,
				})
			}()
			return next(c)
		}
	}
}
