package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthApp(h *HealthHandler) *fiber.App {
	app := fiber.New()
	app.Get("/health", h.Check)
	app.Get("/health/ready", h.Readiness)
	return app
}

func getHealth(t *testing.T, app *fiber.App) (int, HealthResponse) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealth_MemoryWithoutRedis(t *testing.T) {
	status, body := getHealth(t, healthApp(NewHealthHandler(nil, nil)))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "memory", body.Checks["database"].Status)
	assert.Equal(t, "not_configured", body.Checks["redis"].Status)
}

func TestHealth_RedisDownIsDegraded(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	app := healthApp(NewHealthHandler(nil, rdb))

	_, body := getHealth(t, app)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Checks["redis"].Status)

	mr.Close()

	status, body := getHealth(t, app)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "degraded", body.Checks["redis"].Status)
}

func TestReadiness_WithoutDatabase(t *testing.T) {
	resp, err := healthApp(NewHealthHandler(nil, nil)).Test(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
