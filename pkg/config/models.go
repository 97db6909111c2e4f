package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Store     StoreConfig
	Chat      ChatConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	AllowedOrigins  []string              `mapstructure:"allowedOrigins"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	// Required rejects websocket upgrades without a valid token.
	Required bool `mapstructure:"required"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
	ReadLimit    int64         `mapstructure:"readLimit"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type ChatConfig struct {
	HistoryLimit           int           `mapstructure:"historyLimit"`
	MaxContentLength       int           `mapstructure:"maxContentLength"`
	TypingTTL              time.Duration `mapstructure:"typingTTL"`
	DefaultMaxParticipants int           `mapstructure:"defaultMaxParticipants"`
	RateLimit              string        `mapstructure:"rateLimit"` // e.g. "20/s", empty disables
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
