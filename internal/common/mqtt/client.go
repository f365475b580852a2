package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-vitals/internal/common/config"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTimeout MQTT 操作在限定时间内未完成
var ErrTimeout = errors.New("mqtt operation timed out")

// disconnectQuiesce 断开连接前等待在途消息的时间（毫秒）
const disconnectQuiesce = 250

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

// Factory 根据连接选项创建 paho 客户端（测试中替换为假客户端）
type Factory func(opts *paho.ClientOptions) paho.Client

// DefaultFactory 使用 paho 官方实现
func DefaultFactory(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

// NewClientID 生成每次连接唯一的客户端ID
func NewClientID(prefix string) string {
	return prefix + uuid.NewString()
}

// NewClientOptions 根据配置构建连接选项
// clean session；自动重连关闭（重连策略由上层决定）
func NewClientOptions(cfg *config.MQTTConfig, clientID string) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}

	return opts
}

// WaitToken 等待 token 完成，同时响应 ctx 取消与超时（timeout<=0 表示不限时）
func WaitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return ErrTimeout
	}
}

// Client MQTT客户端封装
type Client struct {
	client  paho.Client
	config  *config.MQTTConfig
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient 创建并连接MQTT客户端
func NewClient(ctx context.Context, cfg *config.MQTTConfig, factory Factory, logger *zap.Logger) (*Client, error) {
	opts := NewClientOptions(cfg, NewClientID(cfg.ClientID))
	return Dial(ctx, cfg, opts, factory, logger)
}

// Dial 使用给定选项创建客户端并连接（调用方可预先设置回调）
func Dial(ctx context.Context, cfg *config.MQTTConfig, opts *paho.ClientOptions, factory Factory, logger *zap.Logger) (*Client, error) {
	if factory == nil {
		factory = DefaultFactory
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := factory(opts)
	if err := WaitToken(ctx, client.Connect(), cfg.ConnectTimeout); err != nil {
		// 超时或取消时连接可能仍在进行，释放客户端句柄
		client.Disconnect(0)
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return &Client{
		client:  client,
		config:  cfg,
		timeout: cfg.ConnectTimeout,
		logger:  logger,
	}, nil
}

// Subscribe 订阅主题
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	if err := WaitToken(ctx, token, c.timeout); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	return nil
}

// Publish 发布消息
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if err := WaitToken(ctx, token, c.timeout); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	if err := WaitToken(ctx, c.client.Unsubscribe(topics...), c.timeout); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
