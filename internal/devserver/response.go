package devserver

import (
	"github.com/labstack/echo/v4"

	"gowa-session/internal/api"
)

// SuccessResponse writes the success envelope.
func SuccessResponse(c echo.Context, status int, message string, data interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"success": true,
		"message": message,
		"data":    data,
	})
}

// ErrorResponse writes the failure envelope.
func ErrorResponse(c echo.Context, status int, message, code, details string) error {
	return c.JSON(status, api.Response{
		Success: false,
		Message: message,
		Error:   &api.ErrorBody{Code: code, Details: details},
	})
}
