// Package source 提供生命体征数据源：模拟数据源与 MQTT 实时数据源
//
// 所有数据源实现同一接口：Stream 持续向 out 发送 Reading，直到 ctx 取消（返回 nil）
// 或出现不可恢复的错误（返回 error）。Stream 返回前必须释放全部资源。
package source

import (
	"context"
	"errors"

	"wisefido-vitals/internal/models"
)

var (
	// ErrConnect 无法连接到 Broker
	ErrConnect = errors.New("source: connect failed")
	// ErrSubscribe 连接成功但订阅失败
	ErrSubscribe = errors.New("source: subscribe failed")
	// ErrConnectionLost 订阅后连接断开，数据流结束
	ErrConnectionLost = errors.New("source: connection lost")
	// ErrSourceUsed 实时数据源只能启动一次，重连需创建新实例
	ErrSourceUsed = errors.New("source: already streamed")
)

// Source 数据源
type Source interface {
	Stream(ctx context.Context, out chan<- models.Reading) error
}

// SourceFunc 函数适配为 Source
type SourceFunc func(ctx context.Context, out chan<- models.Reading) error

func (f SourceFunc) Stream(ctx context.Context, out chan<- models.Reading) error {
	return f(ctx, out)
}

// emit 发送 Reading，ctx 取消时放弃（返回 false）
func emit(ctx context.Context, out chan<- models.Reading, r models.Reading) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
