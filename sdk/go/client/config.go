package client

import (
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/workbench/internal/core/observability/log"
	"github.com/zeusync/workbench/internal/core/protocol"
)

// Config holds configuration for the client
type Config struct {
	// BaseURL of the workbench server, e.g. http://localhost:8080.
	BaseURL string
	// Token is sent as "Authorization: Token <token>" and as the websocket
	// auth query parameter.
	Token string

	// HTTP settings
	RequestTimeout time.Duration

	// Connection settings
	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	Protocol protocol.Config

	// Logging
	LogLevel log.Level
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		BaseURL:              "http://localhost:8080",
		RequestTimeout:       10 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ReconnectInterval:    2 * time.Second,
		MaxReconnectAttempts: 10,
		Protocol:             protocol.DefaultConfig(),
		LogLevel:             log.LevelInfo,
	}
}

func (c Config) baseURL() (*url.URL, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Wrapf(ErrInvalidConfig, "base url scheme %q", u.Scheme)
	}
	return u, nil
}

// channelURL derives the live update endpoint from the base URL.
func (c Config) channelURL() (string, error) {
	u, err := c.baseURL()
	if err != nil {
		return "", err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = c.Protocol.Path
	q := u.Query()
	if c.Token != "" {
		q.Set(c.Protocol.TokenParam, c.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
