package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/zeusync/workbench/internal/core/models"
)

const userContextKey = "workbench.user"

// TokenAuth resolves "Authorization: Token <t>" headers, or the auth token
// query parameter on websocket upgrades, to configured users.
type TokenAuth struct {
	tokens     map[string]models.UserRef
	queryParam string
}

func NewTokenAuth(users []User, queryParam string) *TokenAuth {
	tokens := make(map[string]models.UserRef, len(users))
	for _, u := range users {
		tokens[u.Token] = models.UserRef{PK: u.PK, Username: u.Username}
	}
	return &TokenAuth{tokens: tokens, queryParam: queryParam}
}

// Authenticate returns the user for token.
func (a *TokenAuth) Authenticate(token string) (models.UserRef, bool) {
	if token == "" {
		return models.UserRef{}, false
	}
	u, ok := a.tokens[token]
	return u, ok
}

// Middleware rejects requests without a known token. allowQuery also accepts
// the token from the query string, which browsers need for websockets.
func (a *TokenAuth) Middleware(allowQuery bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := headerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if token == "" && allowQuery {
				token = c.QueryParam(a.queryParam)
			}
			user, ok := a.Authenticate(token)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrUnauthorized.Error())
			}
			c.Set(userContextKey, user)
			return next(c)
		}
	}
}

// UserFrom returns the authenticated user stored by the middleware.
func UserFrom(c echo.Context) (models.UserRef, bool) {
	u, ok := c.Get(userContextKey).(models.UserRef)
	return u, ok
}

func headerToken(header string) string {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Token") {
		return ""
	}
	return strings.TrimSpace(token)
}
