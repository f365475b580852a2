package observer

import (
	"context"
	"errors"
	"sync"
	"time"

	"wisefido-vitals/internal/models"

	"go.uber.org/zap"
)

const (
	// DefaultConsecutive 连续异常达到该次数才报警（与模拟器的 3 次异常段一致）
	DefaultConsecutive = 3

	// AlertsStream 报警事件流
	AlertsStream = "vitals:alerts:stream"
)

// AlertEvent 报警事件类型
type AlertEvent string

const (
	AlertRaised    AlertEvent = "raised"
	AlertRecovered AlertEvent = "recovered"
)

// Alert 报警通知
type Alert struct {
	Event   AlertEvent         `json:"event"`
	Kind    models.AnomalyKind `json:"anomaly_kind"`
	Since   time.Time          `json:"since"` // 本次异常段的第一条数据时间
	Count   int                `json:"count"` // 本次异常段累计异常条数
	Reading models.Reading     `json:"reading"`
}

// Notifier 报警通知渠道
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier 写日志
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("anomaly_kind", alert.Kind.String()),
		zap.Time("since", alert.Since),
		zap.Int("count", alert.Count),
		zap.Int("heart_rate", alert.Reading.HeartRate),
		zap.Int("spo2", alert.Reading.SpO2),
	}
	if alert.Event == AlertRecovered {
		n.logger.Info("Vitals back to normal", fields...)
		return nil
	}
	n.logger.Warn("Vitals alert raised", fields...)
	return nil
}

// RedisStreamNotifier 发布到报警事件流
type RedisStreamNotifier struct {
	streams StreamPublisher
	stream  string
}

func NewRedisStreamNotifier(streams StreamPublisher) *RedisStreamNotifier {
	return &RedisStreamNotifier{streams: streams, stream: AlertsStream}
}

func (n *RedisStreamNotifier) Notify(ctx context.Context, alert Alert) error {
	_, err := n.streams.Publish(ctx, n.stream, alert)
	return err
}

// AlertObserver 连续异常报警：每个异常段只报警一次，恢复正常后发送恢复通知
type AlertObserver struct {
	consecutive int
	notifiers   []Notifier

	mu     sync.Mutex
	streak int
	since  time.Time
	active bool
	raised uint64
}

// NewAlertObserver 创建报警观察者
func NewAlertObserver(consecutive int, notifiers ...Notifier) *AlertObserver {
	if consecutive <= 0 {
		consecutive = DefaultConsecutive
	}
	return &AlertObserver{
		consecutive: consecutive,
		notifiers:   notifiers,
	}
}

func (a *AlertObserver) Name() string { return "alert" }

func (a *AlertObserver) Observe(ctx context.Context, r models.Reading) error {
	alert, ok := a.step(r)
	if !ok {
		return nil
	}
	var errs []error
	for _, n := range a.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// step 更新状态，返回需要发送的通知
func (a *AlertObserver) step(r models.Reading) (Alert, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !r.IsAnomalous {
		if !a.active {
			a.streak = 0
			return Alert{}, false
		}
		alert := Alert{Event: AlertRecovered, Since: a.since, Count: a.streak, Reading: r}
		a.streak = 0
		a.active = false
		return alert, true
	}

	a.streak++
	if a.streak == 1 {
		a.since = r.CapturedAt
	}
	if a.active || a.streak < a.consecutive {
		return Alert{}, false
	}
	a.active = true
	a.raised++
	return Alert{
		Event:   AlertRaised,
		Kind:    r.AnomalyKind,
		Since:   a.since,
		Count:   a.streak,
		Reading: r,
	}, true
}

// Active 当前是否处于报警状态
func (a *AlertObserver) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Raised 累计报警次数
func (a *AlertObserver) Raised() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.raised
}
