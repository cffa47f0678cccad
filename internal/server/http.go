package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/zeusync/workbench/internal/core/locking"
	"github.com/zeusync/workbench/internal/core/models"
	"github.com/zeusync/workbench/internal/core/observability/log"
)

type relationsResponse struct {
	Count int `json:"count"`
}

type errorResponse struct {
	Detail string            `json:"detail"`
	Lock   *models.LockState `json:"lock,omitempty"`
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metricsHandler()))
	}

	e.GET(s.proto.Path, s.handleWebSocket, s.auth.Middleware(true))

	api := e.Group("/api/:model/:pk", s.auth.Middleware(false))
	if s.config.RateLimit > 0 {
		api.Use(newRateLimiter(s.config.RateLimit, s.config.RateWindow, s.logger).Middleware())
	}
	api.GET("/lock", s.handleLockStatus)
	api.PUT("/lock", s.handleLock)
	api.PUT("/unlock", s.handleUnlock)
	api.POST("/changed", s.handleChanged)
	api.GET("/relations", s.handleRelationCount)
	api.POST("/relations", s.handleAddRelation)
}

func elementRef(c echo.Context) (models.EntityRef, error) {
	ref := models.Ref(c.Param("model"), c.Param("pk"))
	if ref.IsZero() {
		return ref, echo.NewHTTPError(http.StatusBadRequest, models.ErrInvalidRef.Error())
	}
	return ref, nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.ClientCount(),
	})
}

func (s *Server) handleWebSocket(c echo.Context) error {
	user, _ := UserFrom(c)
	err := s.hub.Serve(c.Response(), c.Request(), user)
	switch {
	case errors.Is(err, ErrMaxClientsReached):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrServerClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return err
}

func (s *Server) handleLockStatus(c echo.Context) error {
	ref, err := elementRef(c)
	if err != nil {
		return err
	}
	state, err := s.manager.Status(c.Request().Context(), ref)
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// handleLock answers 423 Locked with the current state when another user
// holds the element.
func (s *Server) handleLock(c echo.Context) error {
	ref, err := elementRef(c)
	if err != nil {
		return err
	}
	user, _ := UserFrom(c)
	state, granted, err := s.manager.Lock(c.Request().Context(), ref, user)
	if err != nil {
		return s.internalError(c, err)
	}
	if !granted {
		return c.JSON(http.StatusLocked, state)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleUnlock(c echo.Context) error {
	ref, err := elementRef(c)
	if err != nil {
		return err
	}
	user, _ := UserFrom(c)
	err = s.manager.Unlock(c.Request().Context(), ref, user)
	switch {
	case errors.Is(err, locking.ErrNotOwner):
		return c.JSON(http.StatusForbidden, errorResponse{Detail: err.Error()})
	case err != nil:
		return s.internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleChanged(c echo.Context) error {
	ref, err := elementRef(c)
	if err != nil {
		return err
	}
	user, _ := UserFrom(c)
	ctx := c.Request().Context()
	err = s.manager.MarkChanged(ctx, ref, user)
	if errors.Is(err, locking.ErrLocked) {
		resp := errorResponse{Detail: err.Error()}
		if state, serr := s.manager.Status(ctx, ref); serr == nil {
			resp.Lock = &state
		}
		return c.JSON(http.StatusLocked, resp)
	}
	if err != nil {
		return s.internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRelationCount(c echo.Context) error {
	ref, err := elementRef(c)
	if err != nil {
		return err
	}
	count, err := s.manager.RelationCount(c.Request().Context(), ref)
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusOK, relationsResponse{Count: count})
}

func (s *Server) handleAddRelation(c echo.Context) error {
	ref, err := elementRef(c)
	if err != nil {
		return err
	}
	count, err := s.manager.AddRelation(c.Request().Context(), ref)
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusCreated, relationsResponse{Count: count})
}

func (s *Server) internalError(c echo.Context, err error) error {
	s.logger.Error("request failed",
		log.String("method", c.Request().Method),
		log.String("path", c.Path()),
		log.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
