package protocol

import "time"

// Config holds the websocket settings shared by the live channel client and
// the server hub.
type Config struct {
	// Path of the elements endpoint on the server.
	Path string `yaml:"path"`
	// Query parameter carrying the auth token on the upgrade request.
	TokenParam string `yaml:"token_param"`

	MaxMessageSize int64         `yaml:"max_message_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PongWait       time.Duration `yaml:"pong_wait"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	BufferSize     int           `yaml:"buffer_size"`
}

// DefaultConfig returns the defaults used on both ends of the connection.
func DefaultConfig() Config {
	return Config{
		Path:           "/ws/elements/",
		TokenParam:     "auth_token",
		MaxMessageSize: 64 * 1024,
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		BufferSize:     4096,
	}
}
