package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/workbench/internal/core/observability/log"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(0, 0)
	l := newRateLimiter(2, time.Second, log.NewNop())
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("1"))
	assert.True(t, l.allow("1"))
	assert.False(t, l.allow("1"))
	assert.True(t, l.allow("2"), "limits are per user")

	now = now.Add(time.Second)
	assert.True(t, l.allow("1"), "a new window resets the count")
}

func TestRateLimiterForgetsIdleUsers(t *testing.T) {
	now := time.Unix(0, 0)
	l := newRateLimiter(1, time.Second, log.NewNop())
	l.now = func() time.Time { return now }
	l.lastPrune = now

	users := func() []string {
		var pks []string
		l.users.Range(func(key, _ any) bool {
			pks = append(pks, key.(string))
			return true
		})
		return pks
	}

	require.True(t, l.allow("1"))
	require.True(t, l.allow("2"))
	assert.ElementsMatch(t, []string{"1", "2"}, users())

	now = now.Add(500 * time.Millisecond)
	require.False(t, l.allow("2"))
	assert.Len(t, users(), 2, "no prune before a full window has passed")

	now = now.Add(time.Second)
	require.True(t, l.allow("3"))
	assert.ElementsMatch(t, []string{"3"}, users())

	assert.True(t, l.allow("1"), "a forgotten user starts with a fresh window")
	assert.False(t, l.allow("1"))
}

func TestRateLimitedRoutes(t *testing.T) {
	e := echo.New()
	auth := NewTokenAuth(testUsers, "auth_token")
	limiter := newRateLimiter(1, time.Hour, log.NewNop())
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
		auth.Middleware(false), limiter.Middleware())

	call := func() int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Token alice-token")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusNoContent, call())
	assert.Equal(t, http.StatusTooManyRequests, call())
}
