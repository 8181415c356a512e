package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HeaderClientID is the request header carrying the caller's client id.
const HeaderClientID = "client-id"

// ContextClientID is the echo context key the id is stored under.
const ContextClientID = "client_id"

// RequireClientID rejects requests without a client-id header and exposes the
// id to handlers through ContextClientID.
func RequireClientID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(HeaderClientID)
			if id == "" {
				return c.JSON(http.StatusBadRequest, map[string]interface{}{
					"success": false,
					"message": "client-id header is required",
					"error": map[string]string{
						"code": "BAD_REQUEST",
					},
				})
			}
			c.Set(ContextClientID, id)
			return next(c)
		}
	}
}

// ClientID returns the id set by RequireClientID, or the raw header when the
// middleware was not installed.
func ClientID(c echo.Context) string {
	if id, ok := c.Get(ContextClientID).(string); ok {
		return id
	}
	return c.Request().Header.Get(HeaderClientID)
}
