package server

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 4096
	defaultBurst          = 5
	defaultRefillInterval = time.Second
)

// RateLimitConfig bounds how many frames one connection may send: Burst
// frames, refilled evenly over RefillInterval.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the transport settings.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

// NewConfig returns a Config populated with the defaults.
func NewConfig() *Config {
	cfg := Config{
		Port:           defaultPort,
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
	}
	return &cfg
}

// SetConfig applies cfg to new connections and origin checks. Passing nil
// resets to the defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		cfg = NewConfig()
	}
	sanitized, allowAll := sanitizeConfig(*cfg)

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = sanitized
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(sanitized.AllowedOrigins))
	for _, origin := range sanitized.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}
	if allowAll {
		activeConfig.AllowedOrigins = append(activeConfig.AllowedOrigins, "*")
	}
}

// sanitizeConfig fills zero values with defaults and normalizes the origin
// list. allowAll reports a "*" entry, which is dropped from the list.
func sanitizeConfig(cfg Config) (sanitized Config, allowAll bool) {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
	}
	cfg.AllowedOrigins, allowAll = normalizeOrigins(cfg.AllowedOrigins)
	return cfg, allowAll
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// CurrentConfig returns a copy of the settings in effect.
func CurrentConfig() Config {
	return currentConfig()
}

// ParseOrigins splits a comma separated ALLOWED_ORIGINS value.
func ParseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
