package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"datasync/internal/models"
)

// APIAuth validates the Token header (or a bearer token) against apiKey. An empty
// apiKey disables the check.
func APIAuth(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			token := c.Request().Header.Get("Token")
			if token == "" {
				token = strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			}
			if token == "" {
				return c.JSON(http.StatusUnauthorized, models.APIResponse{
					Status: false,
					Msg:    "Token is required",
				})
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, models.APIResponse{
					Status: false,
					Msg:    "Invalid token",
				})
			}
			return next(c)
		}
	}
}

// RequestLogger logs one line per API request with the action the handler routed
// on.
func RequestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			action, _ := c.Get("api_actions").(string)
			fields := []zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.String("action", action),
				zap.Int("status", c.Response().Status),
				zap.String("ip", c.RealIP()),
				zap.Duration("latency", time.Since(start)),
			}
			if err != nil {
				logger.Warn("api request failed", append(fields, zap.Error(err))...)
			} else {
				logger.Info("api request", fields...)
			}
			return nil
		}
	}
}

// CORS configures CORS headers.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("Access-Control-Allow-Origin", "*")
			c.Response().Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Response().Header().Set("Access-Control-Allow-Headers", "Content-Type, Token, Authorization")
			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}
