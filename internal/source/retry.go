package source

import (
	"context"
	"errors"
	"time"

	"wisefido-vitals/internal/models"

	"go.uber.org/zap"
)

// Retrying 数据源重连策略：每次尝试都创建新的数据源实例（状态不可原地恢复）
type Retrying struct {
	New            func() Source
	MaxAttempts    int           // 连续失败上限，<=0 表示不限
	InitialBackoff time.Duration // 首次重试等待
	MaxBackoff     time.Duration // 等待上限
	Logger         *zap.Logger
}

// Stream 运行数据源，终止错误时按指数退避重试
// 某次尝试输出过数据后，失败计数与退避时间重新开始
func (r *Retrying) Stream(ctx context.Context, out chan<- models.Reading) error {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := r.initialBackoff()
	failures := 0

	for attempt := 1; ; attempt++ {
		delivered, err := r.runOnce(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// 数据源正常结束（非取消），不再重试
			return nil
		}
		if errors.Is(err, ErrSourceUsed) {
			return err
		}

		if delivered {
			failures = 0
			backoff = r.initialBackoff()
		}
		failures++
		if r.MaxAttempts > 0 && failures >= r.MaxAttempts {
			logger.Error("Source retries exhausted",
				zap.Int("attempt", attempt),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			return err
		}

		logger.Warn("Source ended, retrying with a fresh instance",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = r.nextBackoff(backoff)
	}
}

// runOnce 运行一次数据源，并记录是否输出过数据
func (r *Retrying) runOnce(ctx context.Context, out chan<- models.Reading) (bool, error) {
	relay := make(chan models.Reading)
	done := make(chan error, 1)
	src := r.New()

	go func() {
		done <- src.Stream(ctx, relay)
	}()

	delivered := false
	for {
		select {
		case reading := <-relay:
			delivered = true
			select {
			case out <- reading:
			case <-ctx.Done():
				// 等待数据源在取消后完成清理
				return delivered, <-done
			}
		case err := <-done:
			return delivered, err
		}
	}
}

func (r *Retrying) initialBackoff() time.Duration {
	if r.InitialBackoff <= 0 {
		return time.Second
	}
	return r.InitialBackoff
}

func (r *Retrying) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if r.MaxBackoff > 0 && next > r.MaxBackoff {
		return r.MaxBackoff
	}
	return next
}
