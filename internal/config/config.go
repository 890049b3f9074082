package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort   string
	SQLiteDSN string

	JWTSecret         string
	WebhookHMACSecret string
	SigMaxAgeSeconds  int64

	GatewayBaseURL   string
	GatewaySecretKey string
	GatewayTimeout   time.Duration

	FrontendURL    string
	AllowedOrigins []string

	AttemptExpiry time.Duration
	SweepInterval time.Duration

	KafkaBrokers []string
	KafkaTopic   string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	frontendURL := getenv("FRONTEND_URL", "http://localhost:5173")

	origins := getList("ALLOWED_ORIGINS")
	if len(origins) == 0 {
		origins = []string{frontendURL}
	}

	return Config{
		AppPort:   getenv("APP_PORT", "8080"),
		SQLiteDSN: getenv("SQLITE_DSN", "./app.db"),

		JWTSecret:         getenv("JWT_SECRET", "supersecret-dev"),
		WebhookHMACSecret: getenv("WEBHOOK_HMAC_SECRET", "webhook-dev-secret"),
		SigMaxAgeSeconds:  getInt64("SIG_MAX_AGE_SECONDS", 300),

		GatewayBaseURL:   getenv("GATEWAY_BASE_URL", "https://api.flutterwave.com"),
		GatewaySecretKey: getenv("GATEWAY_SECRET_KEY", ""),
		GatewayTimeout:   getDuration("GATEWAY_TIMEOUT", 30*time.Second),

		FrontendURL:    frontendURL,
		AllowedOrigins: origins,

		AttemptExpiry: getDuration("ATTEMPT_EXPIRY", 30*time.Minute),
		SweepInterval: getDuration("SWEEP_INTERVAL", time.Minute),

		KafkaBrokers: getList("KAFKA_BROKERS"),
		KafkaTopic:   getenv("KAFKA_TOPIC", "enrollment.granted"),
	}
}
