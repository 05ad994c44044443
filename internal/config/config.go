package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"vitalwatch/pkg/database"
	"vitalwatch/pkg/mqtt"
	"vitalwatch/pkg/redis"

	"gopkg.in/yaml.v3"
)

// Config holds the event processor configuration. Defaults come first,
// then environment variables, then an optional YAML file named by
// CONFIG_FILE.
type Config struct {
	Database database.Config `yaml:"database"`
	Redis    redis.Config    `yaml:"redis"`
	MQTT     mqtt.Config     `yaml:"mqtt"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		GroupID string   `yaml:"group_id"`
	} `yaml:"kafka"`

	Processor struct {
		SkewToleranceSec     int `yaml:"skew_tolerance_sec"`
		SuppressionWindowSec int `yaml:"suppression_window_sec"`
		BudgetSec            int `yaml:"budget_sec"`
		RetryMaxAttempts     int `yaml:"retry_max_attempts"`
		LockStripes          int `yaml:"lock_stripes"`
	} `yaml:"processor"`

	Window struct {
		KeyPrefix    string `yaml:"key_prefix"`
		RetentionSec int    `yaml:"retention_sec"`
	} `yaml:"window"`

	Notify struct {
		EHRWebhookURL   string `yaml:"ehr_webhook_url"`
		EmailGatewayURL string `yaml:"email_gateway_url"`
		SMSGatewayURL   string `yaml:"sms_gateway_url"`
		DashboardTopic  string `yaml:"dashboard_topic"`
	} `yaml:"notify"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load loads configuration from defaults, file and environment.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "vitalwatch")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "vitalwatch")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))

	cfg.Kafka.Brokers = splitList(getEnv("KAFKA_BROKERS", "localhost:9092"))
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", "biometric-events")
	cfg.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", "vitalwatch")

	cfg.Processor.SkewToleranceSec = getEnvInt("SKEW_TOLERANCE_SEC", 120)
	cfg.Processor.SuppressionWindowSec = getEnvInt("SUPPRESSION_WINDOW_SEC", 900)
	cfg.Processor.BudgetSec = getEnvInt("PROCESS_BUDGET_SEC", 60)
	cfg.Processor.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.Processor.LockStripes = getEnvInt("LOCK_STRIPES", 128)

	cfg.Window.KeyPrefix = getEnv("WINDOW_KEY_PREFIX", "vitalwatch:window:")
	cfg.Window.RetentionSec = getEnvInt("WINDOW_RETENTION_SEC", 14*24*3600)

	cfg.Notify.EHRWebhookURL = getEnv("EHR_WEBHOOK_URL", "")
	cfg.Notify.EmailGatewayURL = getEnv("EMAIL_GATEWAY_URL", "")
	cfg.Notify.SMSGatewayURL = getEnv("SMS_GATEWAY_URL", "")
	cfg.Notify.DashboardTopic = getEnv("DASHBOARD_TOPIC", "vitalwatch/alerts/")

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9108")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	// An explicit config file takes precedence over environment values.
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
