package source

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"wisefido-vitals/internal/common/config"
	"wisefido-vitals/internal/common/mqtt"
	"wisefido-vitals/internal/models"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	defaultLiveBuffer  = 16
	unsubscribeTimeout = 2 * time.Second
)

// State 实时数据源连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LiveConfig 实时数据源配置
type LiveConfig struct {
	MQTT       config.MQTTConfig
	Thresholds models.Thresholds // 上游未给出异常判定时使用
	Buffer     int               // 入站消息缓冲
}

// LiveStats 实时数据源计数
type LiveStats struct {
	Received  uint64 // 收到的消息数
	Delivered uint64 // 成功转换并发出的 Reading 数
	Dropped   uint64 // 解析失败被丢弃的消息数
}

// LiveOption 实时数据源选项
type LiveOption func(*LiveSource)

// WithFactory 注入 paho 客户端构造函数
func WithFactory(factory mqtt.Factory) LiveOption {
	return func(s *LiveSource) {
		s.factory = factory
	}
}

// WithLiveLogger 设置 logger
func WithLiveLogger(logger *zap.Logger) LiveOption {
	return func(s *LiveSource) {
		s.logger = logger
	}
}

// WithLiveClock 注入时钟（CapturedAt 使用接收时间）
func WithLiveClock(now func() time.Time) LiveOption {
	return func(s *LiveSource) {
		s.now = now
	}
}

// LiveSource MQTT 实时数据源
//
// 状态机：Disconnected → Connecting → Subscribed → Disconnected（连接丢失）/ Closed（取消）
// paho 的回调只向本次 Stream 持有的通道写入，由 Stream 循环统一转换为输出或终止结果。
// 实例只能 Stream 一次；重连需要创建新实例（见 Retrying）。
type LiveSource struct {
	cfg     LiveConfig
	factory mqtt.Factory
	logger  *zap.Logger
	now     func() time.Time

	state     atomic.Int32
	used      atomic.Bool
	received  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewLiveSource 创建实时数据源
func NewLiveSource(cfg LiveConfig, opts ...LiveOption) *LiveSource {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultLiveBuffer
	}
	if cfg.Thresholds == (models.Thresholds{}) {
		cfg.Thresholds = models.DefaultThresholds()
	}

	s := &LiveSource{
		cfg:     cfg,
		factory: mqtt.DefaultFactory,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State 当前连接状态
func (s *LiveSource) State() State {
	return State(s.state.Load())
}

// Stats 返回计数快照
func (s *LiveSource) Stats() LiveStats {
	return LiveStats{
		Received:  s.received.Load(),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
}

func (s *LiveSource) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("Live source state changed",
			zap.String("from", prev.String()),
			zap.String("to", st.String()),
		)
	}
}

// Stream 连接、订阅并持续输出 Reading
func (s *LiveSource) Stream(ctx context.Context, out chan<- models.Reading) error {
	if !s.used.CompareAndSwap(false, true) {
		return ErrSourceUsed
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	topic := s.cfg.MQTT.Topic
	messages := make(chan []byte, s.cfg.Buffer)
	lost := make(chan error, 1)

	// 1. 构建连接选项，连接丢失回调只写入通道
	clientID := mqtt.NewClientID(s.cfg.MQTT.ClientID)
	opts := mqtt.NewClientOptions(&s.cfg.MQTT, clientID)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		if err == nil {
			err = errors.New("connection closed by broker")
		}
		select {
		case lost <- err:
		default:
		}
	})

	// 2. 连接
	s.setState(StateConnecting)
	s.logger.Info("Connecting to MQTT broker",
		zap.String("broker", s.cfg.MQTT.Broker),
		zap.String("client_id", clientID),
	)
	client, err := mqtt.Dial(sessionCtx, &s.cfg.MQTT, opts, s.factory, s.logger)
	if err != nil {
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Error("MQTT connect failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	// 资源释放只在此处执行一次，无论是取消、连接丢失还是订阅失败
	subscribed := false
	final := StateClosed
	defer func() {
		cancel()
		if subscribed && client.IsConnected() {
			uctx, ucancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			if err := client.Unsubscribe(uctx, topic); err != nil {
				s.logger.Warn("Failed to unsubscribe", zap.String("topic", topic), zap.Error(err))
			}
			ucancel()
		}
		client.Disconnect()
		s.setState(final)
		s.logger.Info("Live source released",
			zap.String("state", final.String()),
			zap.Uint64("received", s.received.Load()),
			zap.Uint64("dropped", s.dropped.Load()),
		)
	}()

	// 3. 订阅（at-least-once）
	handler := func(_ string, payload []byte) error {
		select {
		case messages <- payload:
		case <-sessionCtx.Done():
		}
		return nil
	}
	if err := client.Subscribe(sessionCtx, topic, s.cfg.MQTT.QoS, handler); err != nil {
		final = StateDisconnected
		if ctx.Err() != nil {
			final = StateClosed
			return nil
		}
		s.logger.Error("MQTT subscribe failed", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrSubscribe, err)
	}
	subscribed = true
	s.setState(StateSubscribed)
	s.logger.Info("Subscribed to vitals topic",
		zap.String("topic", topic),
		zap.Uint8("qos", s.cfg.MQTT.QoS),
	)

	// 4. 事件循环
	for {
		select {
		case <-ctx.Done():
			return nil

		case cause := <-lost:
			// 断开前已到达的消息照常输出
			s.drain(ctx, messages, out)
			final = StateDisconnected
			s.logger.Warn("MQTT connection lost", zap.Error(cause))
			return fmt.Errorf("%w: %w", ErrConnectionLost, cause)

		case payload := <-messages:
			if !s.forward(ctx, payload, out) {
				return nil
			}
		}
	}
}

// forward 解析并输出一条消息；解析失败只丢弃该消息。ctx 取消时返回 false
func (s *LiveSource) forward(ctx context.Context, payload []byte, out chan<- models.Reading) bool {
	s.received.Add(1)

	msg, err := models.DecodeMessage(payload)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn("Dropping malformed vitals message",
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return true
	}

	r := msg.Reading(s.now(), s.cfg.Thresholds)
	if msg.IsAnomaly != nil {
		if derived := models.Classify(r.HeartRate, r.SpO2, s.cfg.Thresholds); derived != r.AnomalyKind {
			s.logger.Debug("Upstream anomaly verdict differs from thresholds",
				zap.String("upstream", r.AnomalyKind.String()),
				zap.String("thresholds", derived.String()),
				zap.Int("heart_rate", r.HeartRate),
				zap.Int("spo2", r.SpO2),
			)
		}
	}

	if !emit(ctx, out, r) {
		return false
	}
	s.delivered.Add(1)
	return true
}

func (s *LiveSource) drain(ctx context.Context, messages <-chan []byte, out chan<- models.Reading) {
	for {
		select {
		case payload := <-messages:
			if !s.forward(ctx, payload, out) {
				return
			}
		default:
			return
		}
	}
}
