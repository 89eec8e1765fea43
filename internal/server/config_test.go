package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetConfig_SanitizesValues(t *testing.T) {
	req := require.New(t)
	t.Cleanup(func() { SetConfig(nil) })

	SetConfig(&Config{
		AllowedOrigins: []string{" HTTP://Example.COM:3000 ", "not a url", ""},
		MaxMessageSize: -1,
		RateLimit:      RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
	})

	cfg := CurrentConfig()
	req.Equal(defaultPort, cfg.Port)
	req.Equal(int64(defaultMaxMessageSize), cfg.MaxMessageSize)
	req.Equal(defaultBurst, cfg.RateLimit.Burst)
	req.Equal(defaultRefillInterval, cfg.RateLimit.RefillInterval)
	req.Equal([]string{"http://example.com:3000"}, cfg.AllowedOrigins)
}

func TestSetConfig_NilResetsDefaults(t *testing.T) {
	req := require.New(t)
	SetConfig(&Config{Port: ":9999"})
	SetConfig(nil)

	req.Equal(*NewConfig(), CurrentConfig())
}

func TestSanitizeConfig_LeavesActiveConfig(t *testing.T) {
	req := require.New(t)
	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(nil)

	got, allowAll := sanitizeConfig(Config{AllowedOrigins: []string{"*", "https://b.example/"}})
	req.True(allowAll)
	req.Equal([]string{"https://b.example"}, got.AllowedOrigins)
	req.Equal(defaultPort, got.Port)
	req.Equal(*NewConfig(), CurrentConfig())
}

func TestParseOrigins(t *testing.T) {
	req := require.New(t)
	req.Nil(ParseOrigins("  "))
	req.Equal([]string{"http://a", "https://b"}, ParseOrigins("http://a, https://b"))
}

func TestOriginChecker(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })
	check := originChecker(testLogger())

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "listed origin", allowed: []string{"http://localhost:8080"}, origin: "http://localhost:8080", want: true},
		{name: "case insensitive", allowed: []string{"http://localhost:8080"}, origin: "HTTP://LOCALHOST:8080", want: true},
		{name: "other port", allowed: []string{"http://localhost:8080"}, origin: "http://localhost:9090", want: false},
		{name: "missing header", allowed: []string{"http://localhost:8080"}, origin: "", want: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://anywhere.example", want: true},
		{name: "wildcard still needs a valid origin", allowed: []string{"*"}, origin: "null", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetConfig(&Config{AllowedOrigins: tt.allowed})
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.want, check(r))
		})
	}
}
