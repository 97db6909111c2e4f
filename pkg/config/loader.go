package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "GOCHAT"

// Load reads configuration from a file and environment variables. name is
// either a config name looked up in the working directory ("config") or a
// path to a file with an extension.
func Load(logger *slog.Logger, name string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if ext := filepath.Ext(name); ext != "" {
		v.SetConfigFile(name)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("Configuration loaded", slog.String("file", v.ConfigFileUsed()))
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.auth.required", false)
	v.SetDefault("server.connectionLimit.maxPerUser", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.shutdownTimeout", "10s")

	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.readLimit", 32768)

	v.SetDefault("store.path", "./gochat.db")

	v.SetDefault("chat.historyLimit", 50)
	v.SetDefault("chat.maxContentLength", 1000)
	v.SetDefault("chat.typingTTL", "2s")
	v.SetDefault("chat.defaultMaxParticipants", 100)
	v.SetDefault("chat.rateLimit", "20/s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
}

func (c *Config) Validate() error {
	switch c.Server.ConnectionLimit.Mode {
	case "reject", "cycle":
	default:
		return fmt.Errorf("invalid connectionLimit mode %q: expected reject or cycle", c.Server.ConnectionLimit.Mode)
	}
	if c.Server.Auth.Required && c.Server.Auth.JWTSecret == "" {
		return errors.New("server.auth.jwtSecret is required when auth is required")
	}
	if c.Transport.ReadTimeout <= 0 {
		return errors.New("transport.readTimeout must be positive")
	}
	if c.Transport.SendBuffer <= 0 {
		return errors.New("transport.sendBuffer must be positive")
	}
	if c.Chat.HistoryLimit < 0 {
		return errors.New("chat.historyLimit must not be negative")
	}
	if c.Chat.MaxContentLength <= 0 {
		return errors.New("chat.maxContentLength must be positive")
	}
	// the tracker must outlive the client's 2s resend interval
	if c.Chat.TypingTTL < 2*time.Second {
		return fmt.Errorf("chat.typingTTL %s is shorter than the client resend interval", c.Chat.TypingTTL)
	}
	if c.Chat.DefaultMaxParticipants <= 0 {
		return errors.New("chat.defaultMaxParticipants must be positive")
	}
	return nil
}
