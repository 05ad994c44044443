package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "postgres", cfg.Database.Password)
	assert.Equal(t, "vitalwatch", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "biometric-events", cfg.Kafka.Topic)
	assert.Equal(t, "vitalwatch", cfg.Kafka.GroupID)

	assert.Equal(t, 120, cfg.Processor.SkewToleranceSec)
	assert.Equal(t, 900, cfg.Processor.SuppressionWindowSec)
	assert.Equal(t, 60, cfg.Processor.BudgetSec)
	assert.Equal(t, 3, cfg.Processor.RetryMaxAttempts)

	assert.Equal(t, "vitalwatch:window:", cfg.Window.KeyPrefix)
	assert.Equal(t, 14*24*3600, cfg.Window.RetentionSec)

	assert.Equal(t, "vitalwatch/alerts/", cfg.Notify.DashboardTopic)
	assert.Equal(t, ":9108", cfg.Metrics.Addr)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_USER", "test-user")
	os.Setenv("DB_PASSWORD", "test-password")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("REDIS_PASSWORD", "test-redis-password")
	os.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9092")
	os.Setenv("SKEW_TOLERANCE_SEC", "300")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("LOG_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, "test-user", cfg.Database.User)
	assert.Equal(t, "test-password", cfg.Database.Password)
	assert.Equal(t, "test-db", cfg.Database.Database)

	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "test-redis-password", cfg.Redis.Password)

	assert.Equal(t, []string{"broker-a:9092", "broker-b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 300, cfg.Processor.SkewToleranceSec)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	os.Clearenv()
}

func TestLoad_ConfigFile(t *testing.T) {
	os.Clearenv()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
database:
  host: file-host
processor:
  budget_sec: 30
notify:
  ehr_webhook_url: https://ehr.example.com/alerts
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	os.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file-host", cfg.Database.Host)
	assert.Equal(t, 30, cfg.Processor.BudgetSec)
	assert.Equal(t, "https://ehr.example.com/alerts", cfg.Notify.EHRWebhookURL)

	// Untouched values keep their defaults.
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "vitalwatch:window:", cfg.Window.KeyPrefix)

	os.Clearenv()
}

func TestLoad_ConfigFileMissing(t *testing.T) {
	os.Clearenv()
	os.Setenv("CONFIG_FILE", "/nonexistent/config.yaml")

	_, err := Load()
	assert.Error(t, err)

	os.Clearenv()
}

func TestGetEnv(t *testing.T) {
	os.Clearenv()
	value := getEnv("TEST_KEY", "default-value")
	assert.Equal(t, "default-value", value)

	os.Setenv("TEST_KEY", "env-value")
	value = getEnv("TEST_KEY", "default-value")
	assert.Equal(t, "env-value", value)

	os.Unsetenv("TEST_KEY")
}

func TestGetEnvInt(t *testing.T) {
	os.Clearenv()
	assert.Equal(t, 42, getEnvInt("TEST_INT", 42))

	os.Setenv("TEST_INT", "7")
	assert.Equal(t, 7, getEnvInt("TEST_INT", 42))

	os.Setenv("TEST_INT", "not-a-number")
	assert.Equal(t, 42, getEnvInt("TEST_INT", 42))

	os.Unsetenv("TEST_INT")
}
