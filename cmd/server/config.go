package main

import (
	"fmt"
	"time"

	"github.com/Tyrowin/tablechat/internal/server"
	"github.com/Tyrowin/tablechat/internal/session"
)

const (
	backendBadger = "badger"
	backendRedis  = "redis"
	backendMemory = "memory"
)

type Config struct {
	Port                    string        `env:"SERVER_PORT,default=:8080"`
	AllowedOrigins          string        `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize          int64         `env:"MAX_MESSAGE_SIZE,default=4096"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST,default=5"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
	AdminSecret             string        `env:"ADMIN_SECRET"`
	ModeratorExclusive      bool          `env:"MODERATOR_EXCLUSIVE,default=false"`
	ModeratorName           string        `env:"MODERATOR_NAME,default=Mestre"`
	TokenTTL                time.Duration `env:"TOKEN_TTL,default=168h"`
	TokenBackend            string        `env:"TOKEN_BACKEND,default=badger"`
	RedisURL                string        `env:"REDIS_URL"`
	BadgerPath              string        `env:"BADGER_PATH,default=./data"`
	HistoryLimit            int           `env:"HISTORY_LIMIT,default=500"`
	MaxTextLength           int           `env:"MAX_TEXT_LENGTH,default=500"`
	TypingTTL               time.Duration `env:"TYPING_TTL,default=3s"`
	LogLevel                string        `env:"LOG_LEVEL,default=INFO"`
	ShutdownTimeout         time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

func (c Config) Validate() error {
	switch c.TokenBackend {
	case backendBadger, backendMemory:
	case backendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when TOKEN_BACKEND=%s", backendRedis)
		}
	default:
		return fmt.Errorf("TOKEN_BACKEND must be one of badger, redis, memory, got %q", c.TokenBackend)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

func (c Config) Server() *server.Config {
	return &server.Config{
		Port:           c.Port,
		AllowedOrigins: server.ParseOrigins(c.AllowedOrigins),
		MaxMessageSize: c.MaxMessageSize,
		RateLimit: server.RateLimitConfig{
			Burst:          c.RateLimitBurst,
			RefillInterval: c.RateLimitRefillInterval,
		},
	}
}

func (c Config) Session() session.Config {
	cfg := session.DefaultConfig()
	cfg.AdminSecret = c.AdminSecret
	cfg.ExclusiveModerator = c.ModeratorExclusive
	cfg.ModeratorName = c.ModeratorName
	cfg.HistoryLimit = c.HistoryLimit
	cfg.MaxTextLength = c.MaxTextLength
	cfg.TypingTTL = c.TypingTTL
	return cfg
}
