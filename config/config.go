package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	APIBaseURL  string
	SocketURL   string
	StorePath   string
	HTTPTimeout time.Duration

	LogMode string
	LogFile string

	// dev backend
	DevPort          string
	DevMaxProfiles   int
	DevPairDelay     time.Duration
	RateLimit        int
	RateBurst        int
	CORSAllowOrigins []string
}

func Load() *Config {
	apiBase := strings.TrimRight(getEnv("WASESSION_API_BASEURL", "http://localhost:2121"), "/")

	return &Config{
		APIBaseURL:  apiBase,
		SocketURL:   strings.TrimRight(getEnv("WASESSION_SOCKET_URL", SocketURLFromAPI(apiBase)), "/"),
		StorePath:   getEnv("WASESSION_STORE_PATH", "wasession.db"),
		HTTPTimeout: time.Duration(getEnvInt("WASESSION_HTTP_TIMEOUT_SECONDS", 15)) * time.Second,

		LogMode: getEnv("LOG_MODE", "development"),
		LogFile: getEnv("LOG_FILE", ""),

		DevPort:          getEnv("DEVBACKEND_PORT", "2121"),
		DevMaxProfiles:   getEnvInt("DEVBACKEND_MAX_PROFILES", 3),
		DevPairDelay:     time.Duration(getEnvInt("DEVBACKEND_PAIR_DELAY_MS", 500)) * time.Millisecond,
		RateLimit:        getEnvInt("RATE_LIMIT_PER_SECOND", 10),
		RateBurst:        getEnvInt("RATE_LIMIT_BURST", 10),
		CORSAllowOrigins: splitList(os.Getenv("CORS_ALLOW_ORIGINS")),
	}
}

// SocketURLFromAPI maps http(s)://host to ws(s)://host.
func SocketURLFromAPI(apiBase string) string {
	switch {
	case strings.HasPrefix(apiBase, "https://"):
		return "wss://" + strings.TrimPrefix(apiBase, "https://")
	case strings.HasPrefix(apiBase, "http://"):
		return "ws://" + strings.TrimPrefix(apiBase, "http://")
	}
	return apiBase
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
