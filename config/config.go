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
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Scheduler  SchedulerConfig
	Gateway    GatewayConfig
	Callbacks  CallbackConfig
	Observ     ObservabilityConfig
	Reconciler ReconcilerConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

// DatabaseConfig selects the order store; an empty URL keeps orders in memory
type DatabaseConfig struct {
	URL     string
	Migrate bool
}

// RedisConfig is optional; without an address the index and caches live in memory
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig is optional; without brokers callbacks go through the in-process dispatcher
type KafkaConfig struct {
	Brokers            []string
	TopicOrderEvents   string
	TopicCallbacks     string
	TopicNotifications string
	ConsumerGroup      string
}

type SchedulerConfig struct {
	// Backend is "timer" (in-process) or "lmstfy" (durable delay queue)
	Backend         string
	LmstfyHost      string
	LmstfyPort      int
	LmstfyNamespace string
	LmstfyToken     string
	LmstfyQueue     string
	PruneSchedule   string
	RefRetention    time.Duration
}

type GatewayConfig struct {
	Provider              string
	AutoCallback          bool
	CallbackDelay         time.Duration
	SuccessRate           float64
	InitiationFailureRate float64
}

// CallbackConfig bounds callback processing. MaxAttempts and Backoff govern
// retries of one apply; RedeliveryLimit and RedeliveryBackoff govern how often
// a failed callback is picked up again before it is dead-lettered.
type CallbackConfig struct {
	Workers           int
	Buffer            int
	MaxAttempts       int
	Backoff           time.Duration
	RedeliveryLimit   int
	RedeliveryBackoff time.Duration
}

type ObservabilityConfig struct {
	JaegerEndpoint string
}

type ReconcilerConfig struct {
	GracePeriod        time.Duration
	InitiationTimeout  time.Duration
	InitiationAttempts int
	InitiationBackoff  time.Duration
	IdempotencyTTL     time.Duration
	Currency           string
}

func Load() *Config {
	_ = godotenv.Load()

	var brokers []string
	if raw := getEnv("KAFKA_BROKERS", ""); raw != "" {
		brokers = strings.Split(raw, ",")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnv("PORT", "8080"),
			Env:      getEnv("ENV", "development"),
			LogLevel: getEnv("LOG_LEVEL", ""),
		},
		Database: DatabaseConfig{
			URL:     getEnv("DATABASE_URL", ""),
			Migrate: getBool("DATABASE_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:            brokers,
			TopicOrderEvents:   getEnv("KAFKA_TOPIC_ORDER_EVENTS", "order-events"),
			TopicCallbacks:     getEnv("KAFKA_TOPIC_CALLBACKS", "payment-callbacks"),
			TopicNotifications: getEnv("KAFKA_TOPIC_NOTIFICATIONS", "customer-notifications"),
			ConsumerGroup:      getEnv("KAFKA_CONSUMER_GROUP", "order-reconciler-group"),
		},
		Scheduler: SchedulerConfig{
			Backend:         strings.ToLower(getEnv("TIMEOUT_SCHEDULER", "timer")),
			LmstfyHost:      getEnv("LMSTFY_HOST", "localhost"),
			LmstfyPort:      getInt("LMSTFY_PORT", 7777),
			LmstfyNamespace: getEnv("LMSTFY_NAMESPACE", "order-reconciler"),
			LmstfyToken:     getEnv("LMSTFY_TOKEN", ""),
			LmstfyQueue:     getEnv("LMSTFY_QUEUE", "payment-timeouts"),
			PruneSchedule:   getEnv("INDEX_PRUNE_SCHEDULE", "0 */10 * * * *"),
			RefRetention:    getSeconds("INDEX_RETENTION_SECONDS", 24*60*60),
		},
		Gateway: GatewayConfig{
			Provider:              getEnv("SIM_GATEWAY_PROVIDER", "mpesa"),
			AutoCallback:          getBool("SIM_GATEWAY_AUTO_CALLBACK", true),
			CallbackDelay:         getMillis("SIM_GATEWAY_CALLBACK_DELAY_MS", 3000),
			SuccessRate:           getFloat("SIM_GATEWAY_SUCCESS_RATE", 0.9),
			InitiationFailureRate: getFloat("SIM_GATEWAY_INITIATION_FAILURE_RATE", 0),
		},
		Callbacks: CallbackConfig{
			Workers:     getInt("CALLBACK_WORKERS", 4),
			Buffer:      getInt("CALLBACK_BUFFER", 256),
			MaxAttempts: getInt("CALLBACK_MAX_ATTEMPTS", 5),
			Backoff:     getMillis("CALLBACK_BACKOFF_MS", 200),

			RedeliveryLimit:   getInt("CALLBACK_REDELIVERY_LIMIT", 10),
			RedeliveryBackoff: getMillis("CALLBACK_REDELIVERY_BACKOFF_MS", 1000),
		},
		Observ: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		},
		Reconciler: ReconcilerConfig{
			GracePeriod:        getSeconds("PAYMENT_GRACE_SECONDS", 120),
			InitiationTimeout:  getSeconds("INITIATION_TIMEOUT_SECONDS", 30),
			InitiationAttempts: getInt("INITIATION_MAX_ATTEMPTS", 1),
			InitiationBackoff:  getMillis("INITIATION_BACKOFF_MS", 500),
			IdempotencyTTL:     getSeconds("IDEMPOTENCY_TTL_SECONDS", 600),
			Currency:           getEnv("CURRENCY", "KES"),
		},
	}

	log.Printf("Config loaded: env=%s, port=%s, scheduler=%s", cfg.Server.Env, cfg.Server.Port, cfg.Scheduler.Backend)
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return n
}

func getFloat(key string, defaultVal float64) float64 {
	f, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getBool(key string, defaultVal bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return b
}

func getSeconds(key string, defaultVal int) time.Duration {
	return time.Duration(getInt(key, defaultVal)) * time.Second
}

func getMillis(key string, defaultVal int) time.Duration {
	return time.Duration(getInt(key, defaultVal)) * time.Millisecond
}
