package service

import (
	"sync"

	"wisefido-vitals/internal/source"
)

// liveStats 汇总每次重连创建的实时数据源计数，保证指标单调递增
type liveStats struct {
	mu      sync.Mutex
	base    source.LiveStats
	current *source.LiveSource
}

// track 切换到新的数据源实例，旧实例的计数并入累计值
func (l *liveStats) track(s *source.LiveSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		l.base = addStats(l.base, l.current.Stats())
	}
	l.current = s
}

func (l *liveStats) snapshot() source.LiveStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return l.base
	}
	return addStats(l.base, l.current.Stats())
}

func addStats(a, b source.LiveStats) source.LiveStats {
	return source.LiveStats{
		Received:  a.Received + b.Received,
		Delivered: a.Delivered + b.Delivered,
		Dropped:   a.Dropped + b.Dropped,
	}
}
