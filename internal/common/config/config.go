package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	StreamMaxLen int64  `yaml:"stream_max_len"` // 数据流近似最大长度（只做下游分发，不做历史存储）
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"` // 客户端ID前缀，每次连接追加 uuid
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Topic          string        `yaml:"topic"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if enabled := os.Getenv(prefix + "_ENABLED"); enabled != "" {
		c.Enabled = enabled == "true"
	}
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		fmt.Sscanf(db, "%d", &c.DB)
	}
	if maxLen := os.Getenv(prefix + "_STREAM_MAXLEN"); maxLen != "" {
		if v, err := strconv.ParseInt(maxLen, 10, 64); err == nil && v > 0 {
			c.StreamMaxLen = v
		}
	}
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if topic := os.Getenv(prefix + "_TOPIC"); topic != "" {
		c.Topic = topic
	}
	if qos := os.Getenv(prefix + "_QOS"); qos != "" {
		if v, err := strconv.Atoi(qos); err == nil && v >= 0 && v <= 2 {
			c.QoS = byte(v)
		}
	}
	if d, ok := durationEnv(prefix + "_CONNECT_TIMEOUT"); ok {
		c.ConnectTimeout = d
	}
	if d, ok := durationEnv(prefix + "_KEEPALIVE"); ok {
		c.KeepAlive = d
	}
}

// durationEnv 读取时长类型环境变量，支持 "10s" 或纯秒数 "10"
func durationEnv(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	return ParseDuration(raw)
}

// ParseDuration 解析 "2s"/"500ms" 格式，纯数字按秒处理
func ParseDuration(raw string) (time.Duration, bool) {
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d, true
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
