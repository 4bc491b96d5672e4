package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/renwei/ai-chat-dispatch/internal/routing"
)

// Config centralizes runtime settings for the gateway and workers.
type Config struct {
	Port string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisDLQ      string

	// Worker identity. The group is scoped per stream; the consumer name
	// must be stable across restarts of the same logical worker so its
	// pending-entry list can be recovered.
	WorkerStream   string
	WorkerGroup    string
	WorkerConsumer string

	// Backend envelope.
	BackendURL       string
	BackendTimeoutMS int
	BackendRPS       float64
	BackendMock      bool

	MaxAttempts     int
	ReclaimMinIdleS int
	ReclaimSweepS   int

	ModelRoutes     string
	RefusalKeywords string

	CORSAllowedOrigins []string
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "sys_dead_letters"),

		WorkerStream:   getEnv("WORKER_STREAM", "general_tasks"),
		WorkerGroup:    getEnv("WORKER_GROUP", ""),
		WorkerConsumer: getEnv("WORKER_CONSUMER", ""),

		BackendURL:       getEnv("BACKEND_URL", "http://127.0.0.1:8000/v1/chat/completions"),
		BackendTimeoutMS: getEnvInt("BACKEND_TIMEOUT_MS", 120000),
		BackendRPS:       getEnvFloat("BACKEND_RPS", 5),
		BackendMock:      getEnvBool("BACKEND_MOCK", false),

		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", 3),
		ReclaimMinIdleS: getEnvInt("RECLAIM_MIN_IDLE_SECONDS", 60),
		ReclaimSweepS:   getEnvInt("RECLAIM_SWEEP_SECONDS", 30),

		ModelRoutes:     getEnv("MODEL_ROUTES", ""),
		RefusalKeywords: getEnv("REFUSAL_KEYWORDS", ""),

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}
}

// Routes parses MODEL_ROUTES into an ordered rule table. The format is
// "prefix=stream;prefix|prefix=stream;..." evaluated first-match-wins.
// An empty value falls back to the built-in table.
func (c Config) Routes() []routing.Rule {
	raw := strings.TrimSpace(c.ModelRoutes)
	if raw == "" {
		return routing.DefaultRules()
	}

	rules := make([]routing.Rule, 0, 8)
	for _, entry := range strings.Split(raw, ";") {
		prefixes, stream, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		stream = strings.TrimSpace(stream)
		for _, prefix := range strings.Split(prefixes, "|") {
			prefix = strings.TrimSpace(prefix)
			if prefix == "" || stream == "" {
				continue
			}
			rules = append(rules, routing.Rule{Prefix: prefix, Stream: stream})
		}
	}
	if len(rules) == 0 {
		return routing.DefaultRules()
	}
	return rules
}

// Refusals parses REFUSAL_KEYWORDS (comma-separated). Empty disables the
// soft-refusal classifier.
func (c Config) Refusals() []string {
	return splitList(c.RefusalKeywords)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
