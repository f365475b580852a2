package distributor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-vitals/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedSource 由测试控制的数据源
type scriptedSource struct {
	feed     chan models.Reading
	fail     chan error
	cleanups atomic.Int32
	blockOn  chan struct{} // 非 nil 时清理阶段阻塞，直到关闭
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{
		feed: make(chan models.Reading),
		fail: make(chan error, 1),
	}
}

func (s *scriptedSource) Stream(ctx context.Context, out chan<- models.Reading) error {
	defer func() {
		if s.blockOn != nil {
			<-s.blockOn
		}
		s.cleanups.Add(1)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.fail:
			return err
		case r := <-s.feed:
			select {
			case out <- r:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func reading(hr int) models.Reading {
	return models.NewReading(time.Now(), hr, 98, models.AnomalyNone)
}

func waitCurrent(t *testing.T, d *Distributor, hr int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, ok := d.Current()
		return ok && r.HeartRate == hr
	}, time.Second, time.Millisecond)
}

func TestDistributor_EmptyBeforeFirstReading(t *testing.T) {
	d := New(zap.NewNop())
	_, ok := d.Current()
	assert.False(t, ok)
	assert.Equal(t, StatusIdle, d.Status())
}

func TestDistributor_LateSubscriberSeesLatest(t *testing.T) {
	src := newScriptedSource()
	d := New(zap.NewNop())
	require.NoError(t, d.Start(context.Background(), src))
	defer d.Stop()

	for hr := 61; hr <= 65; hr++ {
		src.feed <- reading(hr)
	}
	waitCurrent(t, d, 65)

	ch := d.Subscribe("late")
	select {
	case r := <-ch:
		assert.Equal(t, 65, r.HeartRate)
	default:
		t.Fatal("late subscriber should see the latest value immediately")
	}
}

func TestDistributor_InOrderDelivery(t *testing.T) {
	src := newScriptedSource()
	d := New(zap.NewNop())
	ch := d.Subscribe("display")
	require.NoError(t, d.Start(context.Background(), src))
	defer d.Stop()

	var got []int
	for hr := 60; hr < 80; hr++ {
		src.feed <- reading(hr)
		got = append(got, (<-ch).HeartRate)
	}

	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
	assert.Len(t, got, 20)
}

func TestDistributor_SlowObserverDoesNotBlock(t *testing.T) {
	src := newScriptedSource()
	d := New(zap.NewNop())
	slow := d.Subscribe("slow")
	require.NoError(t, d.Start(context.Background(), src))
	defer d.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for hr := 0; hr < 100; hr++ {
			src.feed <- reading(hr)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked by a slow observer")
	}
	waitCurrent(t, d, 99)

	stats := d.Stats()
	assert.Equal(t, uint64(100), stats.Published)
	assert.Equal(t, uint64(1), stats.Subscribers["slow"].Delivered)
	assert.Equal(t, uint64(99), stats.Subscribers["slow"].Dropped)

	// 慢观察者拿到的是它未读时的第一条
	assert.Equal(t, 0, (<-slow).HeartRate)
}

func TestDistributor_StopIsIdempotentAndCleansUpOnce(t *testing.T) {
	src := newScriptedSource()
	d := New(zap.NewNop())
	ch := d.Subscribe("display")
	require.NoError(t, d.Start(context.Background(), src))

	src.feed <- reading(70)
	assert.Equal(t, 70, (<-ch).HeartRate)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())

	assert.Equal(t, int32(1), src.cleanups.Load())
	assert.Equal(t, StatusStopped, d.Status())
	assert.NoError(t, d.Err())

	_, open := <-ch
	assert.False(t, open, "subscriber channel should be closed after Stop")

	select {
	case <-d.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}

	// 停止后的新订阅只拿到最后的值
	late := d.Subscribe("after-stop")
	r, open := <-late
	assert.True(t, open)
	assert.Equal(t, 70, r.HeartRate)
	_, open = <-late
	assert.False(t, open)
}

func TestDistributor_StartTwice(t *testing.T) {
	d := New(zap.NewNop())
	require.NoError(t, d.Start(context.Background(), newScriptedSource()))
	defer d.Stop()

	assert.True(t, errors.Is(d.Start(context.Background(), newScriptedSource()), ErrAlreadyStarted))
}

func TestDistributor_StartAfterStop(t *testing.T) {
	d := New(zap.NewNop())
	require.NoError(t, d.Stop())
	assert.True(t, errors.Is(d.Start(context.Background(), newScriptedSource()), ErrStopped))
	assert.Equal(t, StatusStopped, d.Status())
}

func TestDistributor_SourceErrorEndsStream(t *testing.T) {
	src := newScriptedSource()
	d := New(zap.NewNop())
	ch := d.Subscribe("alert")
	require.NoError(t, d.Start(context.Background(), src))

	src.feed <- reading(75)
	<-ch

	boom := errors.New("connection lost")
	src.fail <- boom

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("distributor did not observe source end")
	}
	assert.Equal(t, StatusEnded, d.Status())
	assert.Equal(t, boom, d.Err())
	_, open := <-ch
	assert.False(t, open)

	// 结束后仍保留最后的值（"已结束" 与 "尚无数据" 可区分）
	r, ok := d.Current()
	assert.True(t, ok)
	assert.Equal(t, 75, r.HeartRate)

	require.NoError(t, d.Stop())
	assert.Equal(t, StatusEnded, d.Status())
	assert.Equal(t, int32(1), src.cleanups.Load())
}

func TestDistributor_StopGraceTimeout(t *testing.T) {
	src := newScriptedSource()
	src.blockOn = make(chan struct{})
	d := New(zap.NewNop(), WithStopGrace(20*time.Millisecond))
	require.NoError(t, d.Start(context.Background(), src))

	assert.True(t, errors.Is(d.Stop(), ErrStopTimeout))

	close(src.blockOn)
	<-d.Done()
	assert.Equal(t, int32(1), src.cleanups.Load())
}

func TestDistributor_NoDeliveryAfterStop(t *testing.T) {
	src := newScriptedSource()
	d := New(zap.NewNop())
	require.NoError(t, d.Start(context.Background(), src))

	src.feed <- reading(80)
	waitCurrent(t, d, 80)
	require.NoError(t, d.Stop())

	// 数据源已退出，再次投喂不会被消费
	select {
	case src.feed <- reading(81):
		t.Fatal("source should have stopped")
	case <-time.After(20 * time.Millisecond):
	}
	r, _ := d.Current()
	assert.Equal(t, 80, r.HeartRate)
}

func TestDistributor_Unsubscribe(t *testing.T) {
	d := New(zap.NewNop())
	ch := d.Subscribe("a")
	assert.Equal(t, ch, d.Subscribe("a"))

	d.Unsubscribe("a")
	d.Unsubscribe("a")
	_, open := <-ch
	assert.False(t, open)
	assert.Empty(t, d.Stats().Subscribers)
}
