package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rentease/converse/internal/logger"
)

var log = logger.New("config")

// Config aggregates the service settings loaded from .env and the environment.
type Config struct {
	Env            string
	Port           string
	JWTSecret      string
	DBType         string
	DatabaseURL    string
	MongoDB        string
	AllowedOrigins []string
	WSPath         string

	TypingTimeout   time.Duration
	WSRatePerSecond float64
	WSRateBurst     int

	KafkaBrokers          []string
	KafkaTopicMessageSent string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration
}

// Load reads .env (if present) and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn(".env file not found, using environment variables")
	}

	cfg := Config{
		Env:                   getEnv("ENV", "development"),
		Port:                  getEnv("PORT", "8080"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		DBType:                strings.ToLower(getEnv("DB_TYPE", "postgres")),
		MongoDB:               getEnv("MONGO_DB", "rentease"),
		WSPath:                getEnv("WS_PATH", "/api/socket"),
		KafkaTopicMessageSent: getEnv("KAFKA_TOPIC_MESSAGE_SENT", "chat.message.sent"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	cfg.AllowedOrigins = splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"))
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))

	dbURL, err := databaseURL(cfg.DBType)
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseURL = dbURL

	if cfg.TypingTimeout, err = parseDurationEnv("TYPING_TIMEOUT", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PresenceTTL, err = parseDurationEnv("PRESENCE_TTL", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.WSRatePerSecond, err = parseFloatEnv("WS_RATE_PER_SECOND", 10); err != nil {
		return Config{}, err
	}
	if cfg.WSRateBurst, err = parseIntEnv("WS_RATE_BURST", 20); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = parseIntEnv("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsProduction reports whether gin should run in release mode.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func databaseURL(dbType string) (string, error) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v, nil
	}
	if dbType == "memory" {
		return "", nil
	}

	// Fallback to individual connection parameters if DATABASE_URL not set
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	name := os.Getenv("DB_NAME")
	user := os.Getenv("DB_USER")
	pass := os.Getenv("DB_PASSWORD")
	if host == "" || name == "" || user == "" {
		return "", fmt.Errorf("database connection details missing: set DATABASE_URL or individual DB_* variables")
	}

	switch dbType {
	case "postgres":
		if port == "" {
			port = "5432"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(user, pass),
			Host:     host + ":" + port,
			Path:     name,
			RawQuery: "sslmode=disable",
		}
		return u.String(), nil
	case "mongo":
		if port == "" {
			port = "27017"
		}
		u := url.URL{
			Scheme: "mongodb",
			User:   url.UserPassword(user, pass),
			Host:   host + ":" + port,
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported DB_TYPE %q", dbType)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s duration: must be positive", key)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s integer: %w", key, err)
	}
	return v, nil
}

func parseFloatEnv(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s number: %w", key, err)
	}
	return v, nil
}
