package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eztheme/builder/internal/auth"
	"github.com/eztheme/builder/pkg/response"
)

const secret = "middleware-secret"

func whoami(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"userId": GetUserID(c), "email": GetUserEmail(c)})
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body response.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error.Code
}

func TestAuthenticate(t *testing.T) {
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware(auth.NewAuthenticator(nil, secret)).Authenticate(), whoami)

	token, err := auth.IssueLegacyToken("user-7", "seven@example.com", secret, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "user-7", body["userId"])
	assert.Equal(t, "seven@example.com", body["email"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, response.CodeUnauthorized, errorCode(t, resp))
}

func TestGatewayAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/me", GatewayAuthMiddleware(), whoami)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-User-Id", "gw-user")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBuildLimit(t *testing.T) {
	addr := os.Getenv("STORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STORE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()

	user := uuid.NewString()
	app := fiber.New()
	app.Post("/builds", func(c *fiber.Ctx) error {
		c.Locals(localUserID, user)
		return c.Next()
	}, NewRateLimiter(client).BuildLimit(2), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusAccepted)
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/builds", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/builds", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))
}
