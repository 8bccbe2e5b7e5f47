package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process. Values
// come from environment variables with defaults that let the binary run
// locally with the in-memory store and queue.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN string

	RedisAddr     string
	RedisPassword string
	CacheTTL      time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	FCMEndpoint string
	FCMKey      string

	StripeAPIKey   string
	StripeCurrency string

	MatcherMinRating        float64
	MatcherMaxCandidates    int
	MatcherDistancePriority bool

	RateLimitMax    int
	RateLimitWindow time.Duration
	DefaultMinPrice float64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                ":8080",
		ReadTimeout:             5 * time.Second,
		WriteTimeout:            10 * time.Second,
		IdleTimeout:             120 * time.Second,
		ShutdownTimeout:         15 * time.Second,
		CacheTTL:                10 * time.Minute,
		KafkaTopic:              "dispatch-jobs",
		StripeCurrency:          "usd",
		MatcherMaxCandidates:    10,
		MatcherDistancePriority: true,
		RateLimitMax:            5,
		RateLimitWindow:         time.Hour,
		DefaultMinPrice:         50,
		LogLevel:                "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.CacheTTL, "GEO_CACHE_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	setFloatFromEnv(&cfg.MatcherMinRating, "MATCHER_MIN_RATING", &errs)
	setIntFromEnv(&cfg.MatcherMaxCandidates, "MATCHER_MAX_CANDIDATES", &errs)
	if v := os.Getenv("MATCHER_DISTANCE_PRIORITY"); v != "" {
		cfg.MatcherDistancePriority = strings.EqualFold(v, "true")
	}

	setIntFromEnv(&cfg.RateLimitMax, "RATE_LIMIT_MAX", &errs)
	setDurationFromEnv(&cfg.RateLimitWindow, "RATE_LIMIT_WINDOW", &errs)
	setFloatFromEnv(&cfg.DefaultMinPrice, "DEFAULT_MIN_PRICE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherMaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_MAX_CANDIDATES must be > 0"))
	}
	if cfg.RateLimitMax <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the dispatch-job worker process.
type ConsumerConfig struct {
	MetricsAddr  string
	PGDSN        string
	RedisAddr    string
	CacheTTL     time.Duration
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	FCMEndpoint  string
	FCMKey       string

	MatcherMinRating        float64
	MatcherMaxCandidates    int
	MatcherDistancePriority bool

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:             ":2112",
		CacheTTL:                10 * time.Minute,
		KafkaBrokers:            []string{"localhost:9092"},
		KafkaTopic:              "dispatch-jobs",
		KafkaGroup:              "urgent-dispatch-consumer",
		MatcherMaxCandidates:    10,
		MatcherDistancePriority: true,
		LogLevel:                "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	setDurationFromEnv(&cfg.CacheTTL, "GEO_CACHE_TTL", &errs)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")
	setFloatFromEnv(&cfg.MatcherMinRating, "MATCHER_MIN_RATING", &errs)
	setIntFromEnv(&cfg.MatcherMaxCandidates, "MATCHER_MAX_CANDIDATES", &errs)
	if v := os.Getenv("MATCHER_DISTANCE_PRIORITY"); v != "" {
		cfg.MatcherDistancePriority = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
