// Package mqtttest 提供内存版 paho 客户端，用于在单元测试中替换真实 Broker
package mqtttest

import (
	"errors"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Published 记录一次发布
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Client 假 paho 客户端
type Client struct {
	// 可在创建前设置的故障注入
	ConnectErr     error
	SubscribeErr   error
	ConnectPending bool // true 时 Connect 的 token 永不完成（用于超时测试）

	mu          sync.Mutex
	opts        *paho.ClientOptions
	connected   bool
	handlers    map[string]paho.MessageHandler
	subQoS      map[string]byte
	published   []Published
	unsubscribe []string
	connects    int
	disconnects int
}

// New 创建假客户端
func New() *Client {
	return &Client{
		handlers: make(map[string]paho.MessageHandler),
		subQoS:   make(map[string]byte),
	}
}

// Factory 返回与 mqtt.Factory 兼容的构造函数，记录连接选项
func (c *Client) Factory() func(opts *paho.ClientOptions) paho.Client {
	return func(opts *paho.ClientOptions) paho.Client {
		c.mu.Lock()
		c.opts = opts
		c.mu.Unlock()
		return c
	}
}

// Options 返回最近一次创建时使用的连接选项
func (c *Client) Options() *paho.ClientOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Deliver 模拟 Broker 推送一条消息（同步调用订阅回调，与 paho OrderMatters 行为一致）
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	handler, ok := c.handlers[topic]
	connected := c.connected
	c.mu.Unlock()

	if !ok || !connected {
		return false
	}
	handler(c, &message{topic: topic, payload: payload})
	return true
}

// DropConnection 模拟连接意外断开
func (c *Client) DropConnection(cause error) {
	c.mu.Lock()
	c.connected = false
	opts := c.opts
	c.mu.Unlock()

	if opts != nil && opts.OnConnectionLost != nil {
		opts.OnConnectionLost(c, cause)
	}
}

// Subscribed 是否已订阅主题
func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

// SubscribedQoS 订阅时使用的 QoS
func (c *Client) SubscribedQoS(topic string) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subQoS[topic]
}

// PublishedMessages 已发布的消息副本
func (c *Client) PublishedMessages() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Published, len(c.published))
	copy(out, c.published)
	return out
}

// Unsubscribed 已取消订阅的主题
func (c *Client) Unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.unsubscribe))
	copy(out, c.unsubscribe)
	return out
}

// Connects Connect 调用次数
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Disconnects Disconnect 调用次数
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *Client) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.ConnectPending {
		return &token{done: make(chan struct{})}
	}
	if c.ConnectErr != nil {
		return completed(c.ConnectErr)
	}
	c.connected = true
	return completed(nil)
}

func (c *Client) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.connected = false
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return completed(errors.New("not connected"))
	}
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: body})
	return completed(nil)
}

func (c *Client) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return completed(c.SubscribeErr)
	}
	c.handlers[topic] = callback
	c.subQoS[topic] = qos
	return completed(nil)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	for topic, qos := range filters {
		if tok := c.Subscribe(topic, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return completed(nil)
}

func (c *Client) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
		c.unsubscribe = append(c.unsubscribe, topic)
	}
	return completed(nil)
}

func (c *Client) AddRoute(topic string, callback paho.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
}

func (c *Client) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

type token struct {
	err  error
	done chan struct{}
}

func completed(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool {
	<-t.done
	return true
}

func (t *token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *token) Done() <-chan struct{} {
	return t.done
}

func (t *token) Error() error {
	return t.err
}

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 1 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
