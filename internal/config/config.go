package config

import "time"

// Config holds relay server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`

	// JWTSecret signs/validates the handshake tokens minted by the main
	// application. Empty means the server refuses to start.
	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	// InternalSecret authenticates the out-of-process ingress endpoint.
	// When empty the endpoint refuses to operate instead of skipping the
	// check.
	InternalSecret string `mapstructure:"internal_secret" yaml:"internal_secret"`

	// SendBuffer is the per-connection outbound frame buffer. Frames to a
	// connection whose buffer is full are dropped (slow consumer).
	SendBuffer int `mapstructure:"send_buffer" yaml:"send_buffer"`

	// NotificationLimit caps how many unread notifications the
	// /api/user-state endpoint returns.
	NotificationLimit int `mapstructure:"notification_limit" yaml:"notification_limit"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		DatabasePath:      "relay.db",
		JWTIssuer:         "decx",
		JWTAudience:       "relay",
		SendBuffer:        32,
		NotificationLimit: 20,
	}
}
