package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/apns"
)

// Config holds push service configuration loaded from the environment.
type Config struct {
	AppName            string
	LogLevel           string
	LogFormat          string
	HTTPPort           string
	RabbitURL          string
	PushQueue          string
	DeadLetterQueue    string
	PrefetchCount      int
	WorkerCount        int
	TemplateServiceURL string
	RedisURL           string
	SuppressionTTL     time.Duration
	ProviderTimeout    time.Duration
	DatabaseURL        string
	StatusTable        string

	GatewayURI            string
	CertificatePath       string
	CertificatePassphrase string
	Topic                 string
	GroupSize             int
	DialTimeout           time.Duration
	PushTimeout           time.Duration
	ReportUnanswered      bool

	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
}

// Load loads configuration and performs basic validation.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppName:            getEnv("APP_NAME", "apns_service"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		HTTPPort:           getEnv("HTTP_PORT", "8082"),
		RabbitURL:          getEnv("RABBITMQ_URL", ""),
		PushQueue:          getEnv("PUSH_QUEUE", "push.queue"),
		DeadLetterQueue:    getEnv("PUSH_DLQ", "failed.queue"),
		PrefetchCount:      getEnvAsInt("PUSH_PREFETCH", 100),
		WorkerCount:        getEnvAsInt("WORKER_COUNT", 5),
		TemplateServiceURL: getEnv("TEMPLATE_SERVICE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		SuppressionTTL:     getEnvAsDuration("TOKEN_SUPPRESSION_TTL", 24*time.Hour),
		ProviderTimeout:    getEnvAsDuration("PROVIDER_TIMEOUT", 10*time.Second),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		StatusTable:        getEnv("STATUS_TABLE", "notification_statuses"),

		GatewayURI:            gatewayURI(),
		CertificatePath:       getEnv("APN_CERTIFICATE", ""),
		CertificatePassphrase: getEnv("APN_CERTIFICATE_PASSPHRASE", ""),
		Topic:                 getEnv("APN_TOPIC", ""),
		GroupSize:             getEnvAsInt("APN_GROUP_SIZE", apns.DefaultGroupSize),
		DialTimeout:           getEnvAsDuration("APN_DIAL_TIMEOUT", 10*time.Second),
		PushTimeout:           getEnvAsDuration("APN_PUSH_TIMEOUT", 2*time.Minute),
		ReportUnanswered:      getEnvAsBool("APN_REPORT_UNANSWERED", true),

		RetryMaxAttempts:    getEnvAsInt("RETRY_MAX_ATTEMPTS", 4),
		RetryInitialBackoff: getEnvAsDuration("RETRY_INITIAL_BACKOFF", time.Second),
		RetryMaxBackoff:     getEnvAsDuration("RETRY_MAX_BACKOFF", 15*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Endpoint parses GatewayURI.
func (c *Config) Endpoint() (apns.Endpoint, error) {
	return apns.ParseEndpoint(c.GatewayURI)
}

func (c *Config) validate() error {
	var missing []string
	if c.RabbitURL == "" {
		missing = append(missing, "RABBITMQ_URL")
	}
	if c.TemplateServiceURL == "" {
		missing = append(missing, "TEMPLATE_SERVICE_URL")
	}
	if c.GatewayURI == "" {
		missing = append(missing, "APN_GATEWAY_URI")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	ep, err := c.Endpoint()
	if err != nil {
		return err
	}
	if ep.TLS && c.CertificatePath == "" {
		return fmt.Errorf("APN_CERTIFICATE is required for TLS gateway %s", c.GatewayURI)
	}
	if c.GroupSize <= 0 {
		return fmt.Errorf("APN_GROUP_SIZE must be positive, got %d", c.GroupSize)
	}
	return nil
}

// gatewayURI prefers an explicit APN_GATEWAY_URI and otherwise maps
// APN_ENVIRONMENT onto a preset.
func gatewayURI() string {
	if uri := getEnv("APN_GATEWAY_URI", ""); uri != "" {
		return uri
	}
	switch strings.ToLower(getEnv("APN_ENVIRONMENT", "")) {
	case "production":
		return apns.ProductionGateway
	case "development", "sandbox":
		return apns.DevelopmentGateway
	case "mock":
		return apns.MockGateway
	default:
		return ""
	}
}

func getEnv(key, def string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return value
}

func getEnvAsInt(key string, def int) int {
	if value, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid int for %s, using default %d: %v", key, def, err)
			return def
		}
		return i
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid bool for %s, using default %t: %v", key, def, err)
			return def
		}
		return b
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			log.Printf("invalid duration for %s, using default %s: %v", key, def, err)
			return def
		}
		return d
	}
	return def
}
