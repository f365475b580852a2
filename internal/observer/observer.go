// Package observer 消费 Distributor 分发的 Reading：日志、报警、缓存、指标、转发
package observer

import (
	"context"
	"sync"

	"wisefido-vitals/internal/models"

	"go.uber.org/zap"
)

// Observer 观察者
type Observer interface {
	Name() string
	Observe(ctx context.Context, r models.Reading) error
}

// Subscriber 数据分发端（distributor.Distributor 实现该接口）
type Subscriber interface {
	Subscribe(id string) <-chan models.Reading
	Unsubscribe(id string)
}

// Run 订阅并持续处理，直到分发结束（通道关闭）或 ctx 取消
// 单条处理失败只记录日志，不影响后续数据
func Run(ctx context.Context, sub Subscriber, o Observer, logger *zap.Logger) {
	consume(ctx, sub, sub.Subscribe(o.Name()), o, logger)
}

func consume(ctx context.Context, sub Subscriber, ch <-chan models.Reading, o Observer, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := o.Name()
	defer sub.Unsubscribe(name)

	logger.Debug("Observer attached", zap.String("observer", name))
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				logger.Debug("Observer detached", zap.String("observer", name))
				return
			}
			if err := o.Observe(ctx, r); err != nil {
				logger.Warn("Observer failed to handle reading",
					zap.String("observer", name),
					zap.Error(err),
				)
			}
		}
	}
}

// Group 管理一组观察者的 goroutine
type Group struct {
	wg sync.WaitGroup
}

// Go 同步订阅后在独立 goroutine 中处理，返回时订阅已生效
func (g *Group) Go(ctx context.Context, sub Subscriber, o Observer, logger *zap.Logger) {
	ch := sub.Subscribe(o.Name())
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		consume(ctx, sub, ch, o, logger)
	}()
}

// Wait 等待全部观察者退出
func (g *Group) Wait() {
	g.wg.Wait()
}

// LogObserver 每条数据写一行日志，异常时为 Warn
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver 创建日志观察者
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Name() string { return "log" }

func (o *LogObserver) Observe(_ context.Context, r models.Reading) error {
	fields := []zap.Field{
		zap.Int("heart_rate", r.HeartRate),
		zap.Int("spo2", r.SpO2),
		zap.Time("captured_at", r.CapturedAt),
	}
	if r.DeviceID != "" {
		fields = append(fields, zap.String("device_id", r.DeviceID))
	}
	if r.IsAnomalous {
		fields = append(fields, zap.String("anomaly_kind", r.AnomalyKind.String()))
		o.logger.Warn("Anomalous vitals reading", fields...)
		return nil
	}
	o.logger.Info("Vitals reading", fields...)
	return nil
}
