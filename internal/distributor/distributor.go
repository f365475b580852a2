// Package distributor 保存最新一条 Reading 并分发给任意数量的观察者
//
// 生产端与消费端解耦：分发不阻塞数据源，观察者邮箱（容量 1）已满时跳过本次数据。
// 每个观察者按产生顺序收到数据；晚到的观察者订阅时立即收到当前最新值。
package distributor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/source"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyStarted 每个 Distributor 只能驱动一个数据源
	ErrAlreadyStarted = errors.New("distributor: already started")
	// ErrStopped 已停止的 Distributor 不能再启动
	ErrStopped = errors.New("distributor: stopped")
	// ErrStopTimeout 数据源未在宽限期内完成清理
	ErrStopTimeout = errors.New("distributor: source cleanup timed out")
)

const defaultStopGrace = 5 * time.Second

// Status 运行状态
type Status int

const (
	StatusIdle    Status = iota // 未启动
	StatusRunning               // 运行中
	StatusEnded                 // 数据源自行结束（可能带错误）
	StatusStopped               // 被 Stop 停止
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusEnded:
		return "ended"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SubscriberStats 单个观察者的分发统计
type SubscriberStats struct {
	Delivered uint64
	Dropped   uint64 // 邮箱已满被跳过的次数
}

// Stats 分发统计快照
type Stats struct {
	Published   uint64
	Subscribers map[string]SubscriberStats
}

type subscriber struct {
	ch    chan models.Reading
	stats SubscriberStats
}

// Option Distributor 选项
type Option func(*Distributor)

// WithStopGrace 设置 Stop 等待数据源清理的宽限期
func WithStopGrace(d time.Duration) Option {
	return func(dist *Distributor) {
		dist.stopGrace = d
	}
}

// Distributor 最新值分发器
type Distributor struct {
	logger    *zap.Logger
	stopGrace time.Duration

	// 单写多读的当前值槽位
	current atomic.Pointer[models.Reading]

	mu        sync.Mutex
	subs      map[string]*subscriber
	status    Status
	err       error
	started   bool
	stopping  bool
	closed    bool // 不再分发，观察者通道已关闭或即将关闭
	published uint64
	cancel    context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
	stopErr  error
}

// New 创建 Distributor
func New(logger *zap.Logger, opts ...Option) *Distributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Distributor{
		logger:    logger,
		stopGrace: defaultStopGrace,
		subs:      make(map[string]*subscriber),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start 启动数据源并开始分发（非阻塞）
func (d *Distributor) Start(ctx context.Context, src source.Source) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return ErrAlreadyStarted
	}
	if d.stopping {
		return ErrStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.started = true
	d.status = StatusRunning
	d.cancel = cancel

	out := make(chan models.Reading)
	srcDone := make(chan error, 1)
	go func() {
		srcDone <- src.Stream(runCtx, out)
	}()
	go d.pump(out, srcDone)

	d.logger.Info("Distributor started")
	return nil
}

// pump 从数据源读取并分发；数据源返回（清理完成）后结束
func (d *Distributor) pump(out <-chan models.Reading, srcDone <-chan error) {
	defer d.doneOnce.Do(func() { close(d.done) })

	for {
		select {
		case r := <-out:
			d.publish(r)
		case err := <-srcDone:
			d.finish(err)
			return
		}
	}
}

// publish 更新当前值并非阻塞地投递到所有邮箱
func (d *Distributor) publish(r models.Reading) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.current.Store(&r)
	d.published++
	for _, s := range d.subs {
		select {
		case s.ch <- r:
			s.stats.Delivered++
		default:
			s.stats.Dropped++
		}
	}
}

func (d *Distributor) finish(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		d.status = StatusStopped
	} else {
		d.status = StatusEnded
	}
	if err != nil {
		d.err = err
	}
	d.closeSubscribersLocked()

	if err != nil {
		d.logger.Warn("Source stream ended", zap.String("status", d.status.String()), zap.Error(err))
	} else {
		d.logger.Info("Source stream ended", zap.String("status", d.status.String()))
	}
}

func (d *Distributor) closeSubscribersLocked() {
	d.closed = true
	for id, s := range d.subs {
		close(s.ch)
		delete(d.subs, id)
	}
}

// Current 返回最新 Reading；尚未收到数据时 ok 为 false
func (d *Distributor) Current() (models.Reading, bool) {
	r := d.current.Load()
	if r == nil {
		return models.Reading{}, false
	}
	return *r, true
}

// Subscribe 注册观察者，返回容量为 1 的邮箱
// 已有数据时邮箱中预置最新值；分发结束后通道关闭。重复 id 返回同一通道。
func (d *Distributor) Subscribe(id string) <-chan models.Reading {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.subs[id]; ok {
		return s.ch
	}

	ch := make(chan models.Reading, 1)
	if r := d.current.Load(); r != nil {
		ch <- *r
	}
	if d.closed {
		close(ch)
		return ch
	}
	d.subs[id] = &subscriber{ch: ch}
	return ch
}

// Unsubscribe 注销观察者并关闭其通道（未注册时为空操作）
func (d *Distributor) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.subs[id]; ok {
		close(s.ch)
		delete(d.subs, id)
	}
}

// Stop 取消数据源并等待其清理完成（最多等待宽限期）；可重复调用
func (d *Distributor) Stop() error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopping = true
		started := d.started
		cancel := d.cancel
		if !started {
			d.status = StatusStopped
			d.closeSubscribersLocked()
		} else {
			// 停止后不再分发任何数据
			d.closed = true
		}
		d.mu.Unlock()

		if !started {
			d.doneOnce.Do(func() { close(d.done) })
			return
		}

		cancel()
		timer := time.NewTimer(d.stopGrace)
		defer timer.Stop()
		select {
		case <-d.done:
			d.logger.Info("Distributor stopped")
		case <-timer.C:
			d.stopErr = ErrStopTimeout
			d.logger.Error("Distributor stop timed out", zap.Duration("grace", d.stopGrace))
		}
	})
	return d.stopErr
}

// Done 数据源结束（且清理完成）后关闭
func (d *Distributor) Done() <-chan struct{} {
	return d.done
}

// Err 数据源的终止错误（取消不算错误）
func (d *Distributor) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Status 当前运行状态
func (d *Distributor) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Stats 返回分发统计快照
func (d *Distributor) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Stats{
		Published:   d.published,
		Subscribers: make(map[string]SubscriberStats, len(d.subs)),
	}
	for id, s := range d.subs {
		st.Subscribers[id] = s.stats
	}
	return st
}
