// Package config centralises configuration parsing for the healthsync binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingEnv is wrapped for every required variable that is unset.
var ErrMissingEnv = errors.New("missing required environment variable")

// Config captures runtime configuration values shared by the API, consumer, scheduler and DLQ manager.
type Config struct {
	HTTPAddress    string
	MetricsAddress string
	LogLevel       string
	LogFormat      string

	DatabaseURL    string
	ServiceRoleKey string // Bearer key granting service-role access to cron and harness endpoints.

	TerraBaseURL       string
	TerraAPIKey        string
	TerraDevID         string
	TerraWebhookSecret string
	TerraTimeout       time.Duration // Per-request timeout for outbound calls.
	TerraRequestDelay  time.Duration // Spacing between consecutive outbound calls.
	TerraUserDelay     time.Duration // Pause between users within one batch.
	SignatureTolerance time.Duration // Zero disables timestamp checks.
	CheckAttempts      int
	CheckBaseDelay     time.Duration

	RedisAddr        string // Optional; replay protection is disabled when empty.
	ReplayTTL        time.Duration
	WebhookRateLimit int // Requests per minute per client IP.

	KafkaBrokers       []string
	KafkaGroupID       string
	IngestTopic        string
	AlertTopic         string // Alert creation events broadcast to realtime subscribers.
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	DLQPollInterval    time.Duration // Interval between DLQ polling iterations.
	DLQMaxRetries      int           // Maximum number of DLQ retry attempts before quarantine.
	DLQBaseDelay       time.Duration // Base delay used for exponential backoff.

	JWTSecret string
	JWTIssuer string

	HistoryWindowDays  int
	BackfillDays       int
	StaleAfterDays     int
	StrainThreshold    float64
	RecoveryThreshold  float64
	SchedulerInterval  time.Duration
	SyncStaleAfter     time.Duration
	AlertSweepInterval time.Duration
}

// Load reads environment variables into Config, applying defaults for local dev.
// Secrets have no defaults; every missing one is reported in the returned error.
func Load() (Config, error) {
	var missing []error
	require := func(key string) string {
		value, err := requireEnv(key)
		if err != nil {
			missing = append(missing, err)
		}
		return value
	}

	cfg := Config{
		HTTPAddress:    getEnv("HTTP_ADDRESS", ":8080"),
		MetricsAddress: getEnv("METRICS_ADDRESS", ":9102"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),

		DatabaseURL:    require("DATABASE_URL"),
		ServiceRoleKey: require("DATABASE_SERVICE_ROLE_KEY"),

		TerraBaseURL:       getEnv("TERRA_BASE_URL", "https://api.tryterra.co/v2"),
		TerraAPIKey:        require("TERRA_API_KEY"),
		TerraDevID:         require("TERRA_DEV_ID"),
		TerraWebhookSecret: require("TERRA_WEBHOOK_SECRET"),
		TerraTimeout:       getDurationEnv("TERRA_TIMEOUT", 15*time.Second),
		TerraRequestDelay:  getDurationEnv("TERRA_REQUEST_DELAY", time.Second),
		TerraUserDelay:     getDurationEnv("TERRA_USER_DELAY", 2*time.Second),
		SignatureTolerance: getDurationEnv("TERRA_SIGNATURE_TOLERANCE", 0),
		CheckAttempts:      getIntEnv("TERRA_CHECK_ATTEMPTS", 3),
		CheckBaseDelay:     getDurationEnv("TERRA_CHECK_BASE_DELAY", 500*time.Millisecond),

		RedisAddr:        getEnv("REDIS_ADDR", ""),
		ReplayTTL:        getDurationEnv("WEBHOOK_REPLAY_TTL", 24*time.Hour),
		WebhookRateLimit: getIntEnv("WEBHOOK_RATE_LIMIT", 600),

		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "healthsync-alerts"),
		IngestTopic:        getEnv("INGEST_TOPIC", "metric_ingest_events"),
		AlertTopic:         getEnv("ALERT_TOPIC", "alert_events"),
		OutboxPollInterval: getDurationEnv("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:    getIntEnv("OUTBOX_BATCH_SIZE", 25),
		DLQPollInterval:    getDurationEnv("DLQ_POLL_INTERVAL", 30*time.Second),
		DLQMaxRetries:      getIntEnv("DLQ_MAX_RETRIES", 5),
		DLQBaseDelay:       getDurationEnv("DLQ_BASE_DELAY", time.Minute),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTIssuer: getEnv("JWT_ISSUER", "healthsync.identity"),

		HistoryWindowDays:  getIntEnv("HISTORY_WINDOW_DAYS", 7),
		BackfillDays:       getIntEnv("BACKFILL_DAYS", 7),
		StaleAfterDays:     getIntEnv("STALE_AFTER_DAYS", 3),
		StrainThreshold:    getFloatEnv("OVERTRAINING_STRAIN_THRESHOLD", 18),
		RecoveryThreshold:  getFloatEnv("OVERTRAINING_RECOVERY_THRESHOLD", 33),
		SchedulerInterval:  getDurationEnv("SCHEDULER_INTERVAL", time.Hour),
		SyncStaleAfter:     getDurationEnv("SYNC_STALE_AFTER", 6*time.Hour),
		AlertSweepInterval: getDurationEnv("ALERT_SWEEP_INTERVAL", 6*time.Hour),
	}

	brokers := getEnv("KAFKA_BROKERS", "kafka:9092")
	cfg.KafkaBrokers = splitAndTrim(brokers)

	if len(missing) > 0 {
		return cfg, errors.Join(missing...)
	}
	return cfg, nil
}

func requireEnv(key string) (string, error) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrMissingEnv, key)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
