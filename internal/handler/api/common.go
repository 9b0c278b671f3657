package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"datasync/internal/models"
)

// Response helpers keep every reply in the {status, msg, obj} envelope.
func successResponse(c echo.Context, msg string, obj interface{}) error {
	return c.JSON(http.StatusOK, models.APIResponse{
		Status: true,
		Msg:    msg,
		Obj:    obj,
	})
}

func errorResponse(c echo.Context, code int, msg string) error {
	return c.JSON(code, models.APIResponse{
		Status: false,
		Msg:    msg,
		Obj:    nil,
	})
}

// parseBodyAction extracts the "actions" field from request body. Older clients
// send "actionType" instead.
func parseBodyAction(c echo.Context) (string, map[string]interface{}, error) {
	body := make(map[string]interface{})
	if err := c.Bind(&body); err != nil {
		return "", nil, err
	}
	action := getStringField(body, "actions")
	if action == "" {
		action = getStringField(body, "actionType")
	}
	c.Set("api_actions", action) // for logging middleware
	return action, body, nil
}

// getStringField gets a string field from the body map.
func getStringField(body map[string]interface{}, key string) string {
	if v, ok := body[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		// Handle numbers that should be strings
		if f, ok := v.(float64); ok {
			return fmt.Sprintf("%.0f", f)
		}
	}
	return ""
}

// getIntField gets an int field from the body map.
func getIntField(body map[string]interface{}, key string, defaultVal int) int {
	if v, ok := body[key]; ok {
		switch t := v.(type) {
		case float64:
			return int(t)
		case int:
			return t
		case string:
			if i, err := strconv.Atoi(t); err == nil {
				return i
			}
		}
	}
	return defaultVal
}
