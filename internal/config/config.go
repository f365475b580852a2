package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"wisefido-vitals/internal/common/config"

	"gopkg.in/yaml.v3"
)

// 数据源类型
const (
	SourceMock = "mock"
	SourceMQTT = "mqtt"
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

// Config 生命体征服务配置
type Config struct {
	Source string `yaml:"source"` // mock | mqtt

	// 实时数据源断线后的重连策略（仅 mqtt）
	Retry struct {
		MaxAttempts int           `yaml:"max_attempts"` // 连续失败次数上限，0 表示不限
		Backoff     time.Duration `yaml:"backoff"`
		MaxBackoff  time.Duration `yaml:"max_backoff"`
	} `yaml:"retry"`

	Mock struct {
		Interval       time.Duration `yaml:"interval"`
		AnomalyPercent int           `yaml:"anomaly_percent"` // 每次空闲采样开始异常段的概率（百分比）
		RunLength      int           `yaml:"run_length"`
		DeviceID       string        `yaml:"device_id"`
	} `yaml:"mock"`

	MQTT  config.MQTTConfig  `yaml:"mqtt"`
	Redis config.RedisConfig `yaml:"redis"`

	Alert struct {
		Consecutive int `yaml:"consecutive"`
	} `yaml:"alert"`

	Cache struct {
		SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
	} `yaml:"cache"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}
	cfg.Source = SourceMock

	cfg.Retry.MaxAttempts = 0
	cfg.Retry.Backoff = time.Second
	cfg.Retry.MaxBackoff = 30 * time.Second

	cfg.Mock.Interval = 2 * time.Second
	cfg.Mock.AnomalyPercent = 10
	cfg.Mock.RunLength = 3

	cfg.MQTT.Broker = "tcp://broker.hivemq.com:1883"
	cfg.MQTT.Topic = "topic/iot_group2jzu_2025_health_monitor_anomaly"
	cfg.MQTT.ClientID = "wisefido-vitals_"
	cfg.MQTT.QoS = 1
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.KeepAlive = 20 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.StreamMaxLen = 1000

	cfg.Alert.Consecutive = 3
	cfg.Cache.SnapshotTTL = 30 * time.Second
	cfg.HTTP.Addr = ":8090"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load 加载配置：默认值 -> 配置文件（VITALS_CONFIG_FILE，可选）-> 环境变量
func Load() (*Config, error) {
	cfg := Default()

	// 1. 配置文件
	if path := os.Getenv("VITALS_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// 2. 环境变量
	cfg.Source = getEnv("VITALS_SOURCE", cfg.Source)
	cfg.Retry.MaxAttempts = getEnvInt("VITALS_RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.Backoff = getEnvDuration("VITALS_RETRY_BACKOFF", cfg.Retry.Backoff)
	cfg.Retry.MaxBackoff = getEnvDuration("VITALS_RETRY_MAX_BACKOFF", cfg.Retry.MaxBackoff)

	cfg.Mock.Interval = getEnvDuration("MOCK_INTERVAL", cfg.Mock.Interval)
	cfg.Mock.AnomalyPercent = getEnvInt("MOCK_ANOMALY_PERCENT", cfg.Mock.AnomalyPercent)
	cfg.Mock.RunLength = getEnvInt("MOCK_RUN_LENGTH", cfg.Mock.RunLength)
	cfg.Mock.DeviceID = getEnv("MOCK_DEVICE_ID", cfg.Mock.DeviceID)

	cfg.MQTT.LoadFromEnv("MQTT")
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.Alert.Consecutive = getEnvInt("ALERT_CONSECUTIVE", cfg.Alert.Consecutive)
	cfg.Cache.SnapshotTTL = getEnvDuration("CACHE_SNAPSHOT_TTL", cfg.Cache.SnapshotTTL)
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	// 3. 校验
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Source {
	case SourceMock:
		if c.Mock.Interval <= 0 {
			return fmt.Errorf("%w: mock interval must be positive", ErrInvalidConfig)
		}
		if c.Mock.AnomalyPercent < 0 || c.Mock.AnomalyPercent > 100 {
			return fmt.Errorf("%w: mock anomaly percent %d out of [0,100]", ErrInvalidConfig, c.Mock.AnomalyPercent)
		}
		if c.Mock.RunLength < 1 {
			return fmt.Errorf("%w: mock run length must be at least 1", ErrInvalidConfig)
		}
	case SourceMQTT:
		if c.MQTT.Broker == "" || c.MQTT.Topic == "" {
			return fmt.Errorf("%w: mqtt broker and topic are required", ErrInvalidConfig)
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("%w: mqtt qos %d", ErrInvalidConfig, c.MQTT.QoS)
		}
		if c.Retry.MaxAttempts < 0 {
			return fmt.Errorf("%w: retry max attempts must not be negative", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown source %q (expected %s or %s)", ErrInvalidConfig, c.Source, SourceMock, SourceMQTT)
	}

	if c.Alert.Consecutive < 1 {
		return fmt.Errorf("%w: alert consecutive must be at least 1", ErrInvalidConfig)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis enabled without address", ErrInvalidConfig)
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
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, ok := config.ParseDuration(value); ok {
			return d
		}
	}
	return defaultValue
}
