package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datasync/internal/handler/api"
)

func TestSetup(t *testing.T) {
	e := echo.New()
	Setup(e, api.SyncDeps{}, zap.NewNop(), "secret")

	t.Run("health is public", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("api requires token", func(t *testing.T) {
		for _, path := range []string{"/api/sync", "/api/scrape", "/api/job-status"} {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"actions":"sync"}`))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			e.ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code, path)
		}
	})

	t.Run("authorized request reaches handler", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"actions":"bogus"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set("Token", "secret")
		e.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "Invalid action")
	})
}
