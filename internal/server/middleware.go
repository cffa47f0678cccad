package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/zeusync/workbench/internal/core/observability/log"
)

// requestLogger logs every handled request once it has completed.
func requestLogger(logger log.Log) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// let echo write the error response so the status below is final
				c.Error(err)
			}

			req := c.Request()
			fields := []log.Field{
				log.String("method", req.Method),
				log.String("path", c.Path()),
				log.String("uri", req.RequestURI),
				log.Int("status", c.Response().Status),
				log.Duration("duration", time.Since(start)),
				log.String("remote_addr", c.RealIP()),
			}
			if user, ok := UserFrom(c); ok {
				fields = append(fields, log.String("user_pk", user.PK))
			}

			switch status := c.Response().Status; {
			case status >= http.StatusInternalServerError:
				logger.Error("Request failed", append(fields, log.Error(err))...)
			case status >= http.StatusBadRequest:
				logger.Debug("Request rejected", fields...)
			default:
				logger.Debug("Request handled", fields...)
			}
			return nil
		}
	}
}

// rateLimiter allows each user at most limit API calls per window. Users idle
// for a whole window are forgotten, at most once per window.
type rateLimiter struct {
	logger log.Log
	limit  int
	window time.Duration
	now    func() time.Time
	users  sync.Map // user pk -> *userRate

	pruneMu   sync.Mutex
	lastPrune time.Time
}

type userRate struct {
	mu      sync.Mutex
	count   int
	window  time.Time
	removed bool
}

func newRateLimiter(limit int, window time.Duration, logger log.Log) *rateLimiter {
	return &rateLimiter{
		logger:    logger,
		limit:     limit,
		window:    window,
		now:       time.Now,
		lastPrune: time.Now(),
	}
}

func (l *rateLimiter) allow(userPK string) bool {
	now := l.now()
	l.prune(now)

	for {
		v, _ := l.users.LoadOrStore(userPK, &userRate{window: now})
		rate := v.(*userRate)

		rate.mu.Lock()
		if rate.removed {
			// pruned after the load; the replacement lives in the map
			rate.mu.Unlock()
			continue
		}
		if now.Sub(rate.window) >= l.window {
			rate.count = 0
			rate.window = now
		}
		ok := rate.count < l.limit
		if ok {
			rate.count++
		}
		rate.mu.Unlock()
		return ok
	}
}

func (l *rateLimiter) prune(now time.Time) {
	l.pruneMu.Lock()
	if now.Sub(l.lastPrune) < l.window {
		l.pruneMu.Unlock()
		return
	}
	l.lastPrune = now
	l.pruneMu.Unlock()

	l.users.Range(func(key, value any) bool {
		rate := value.(*userRate)
		rate.mu.Lock()
		if now.Sub(rate.window) >= l.window {
			rate.removed = true
			l.users.Delete(key)
		}
		rate.mu.Unlock()
		return true
	})
}

// Middleware must run after authentication.
func (l *rateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, _ := UserFrom(c)
			if !l.allow(user.PK) {
				l.logger.Warn("Rate limit exceeded",
					log.String("user_pk", user.PK),
					log.String("path", c.Path()),
					log.Int("limit", l.limit))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
