package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"VITALS_CONFIG_FILE", "VITALS_SOURCE", "VITALS_RETRY_MAX_ATTEMPTS", "VITALS_RETRY_BACKOFF",
	"VITALS_RETRY_MAX_BACKOFF", "MOCK_INTERVAL", "MOCK_ANOMALY_PERCENT", "MOCK_RUN_LENGTH",
	"MOCK_DEVICE_ID", "MQTT_BROKER", "MQTT_TOPIC", "MQTT_CLIENT_ID", "MQTT_USERNAME",
	"MQTT_PASSWORD", "MQTT_QOS", "MQTT_CONNECT_TIMEOUT", "MQTT_KEEPALIVE", "REDIS_ENABLED",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_STREAM_MAXLEN", "ALERT_CONSECUTIVE",
	"CACHE_SNAPSHOT_TTL", "HTTP_ADDR", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv 清除环境变量（测试结束后自动恢复）
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SourceMock, cfg.Source)
	assert.Equal(t, 2*time.Second, cfg.Mock.Interval)
	assert.Equal(t, 10, cfg.Mock.AnomalyPercent)
	assert.Equal(t, 3, cfg.Mock.RunLength)
	assert.Equal(t, "tcp://broker.hivemq.com:1883", cfg.MQTT.Broker)
	assert.Equal(t, "topic/iot_group2jzu_2025_health_monitor_anomaly", cfg.MQTT.Topic)
	assert.Equal(t, "wisefido-vitals_", cfg.MQTT.ClientID)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, 10*time.Second, cfg.MQTT.ConnectTimeout)
	assert.Equal(t, 20*time.Second, cfg.MQTT.KeepAlive)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Alert.Consecutive)
	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	clearEnv(t)
	t.Setenv("VITALS_SOURCE", "mqtt")
	t.Setenv("VITALS_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("VITALS_RETRY_BACKOFF", "500ms")
	t.Setenv("MOCK_INTERVAL", "1")
	t.Setenv("MQTT_BROKER", "tcp://test-broker:1883")
	t.Setenv("MQTT_TOPIC", "vitals/test")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_STREAM_MAXLEN", "500")
	t.Setenv("ALERT_CONSECUTIVE", "2")
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SourceMQTT, cfg.Source)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Backoff)
	assert.Equal(t, time.Second, cfg.Mock.Interval)
	assert.Equal(t, "tcp://test-broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "vitals/test", cfg.MQTT.Topic)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, int64(500), cfg.Redis.StreamMaxLen)
	assert.Equal(t, 2, cfg.Alert.Consecutive)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ConfigFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "vitals.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source: mqtt
mock:
  anomaly_percent: 25
mqtt:
  broker: tcp://file-broker:1883
  topic: vitals/file
  keep_alive: 45s
alert:
  consecutive: 4
`), 0o600))
	t.Setenv("VITALS_CONFIG_FILE", path)
	// 环境变量优先于配置文件
	t.Setenv("MQTT_TOPIC", "vitals/env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SourceMQTT, cfg.Source)
	assert.Equal(t, 25, cfg.Mock.AnomalyPercent)
	assert.Equal(t, "tcp://file-broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "vitals/env", cfg.MQTT.Topic)
	assert.Equal(t, 45*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, 4, cfg.Alert.Consecutive)
	// 未出现在文件中的字段保持默认值
	assert.Equal(t, 10*time.Second, cfg.MQTT.ConnectTimeout)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("VITALS_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown source", func(c *Config) { c.Source = "serial" }},
		{"zero interval", func(c *Config) { c.Mock.Interval = 0 }},
		{"percent above 100", func(c *Config) { c.Mock.AnomalyPercent = 101 }},
		{"zero run length", func(c *Config) { c.Mock.RunLength = 0 }},
		{"mqtt without topic", func(c *Config) { c.Source = SourceMQTT; c.MQTT.Topic = "" }},
		{"mqtt bad qos", func(c *Config) { c.Source = SourceMQTT; c.MQTT.QoS = 3 }},
		{"zero consecutive", func(c *Config) { c.Alert.Consecutive = 0 }},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	require.NoError(t, Default().Validate())
}
