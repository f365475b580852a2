package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"wisefido-vitals/internal/models"

	"go.uber.org/zap"
)

// SyntheticConfig 模拟数据源配置
type SyntheticConfig struct {
	Interval       time.Duration `yaml:"interval"`        // 采样间隔，默认 2s
	AnomalyPercent int           `yaml:"anomaly_percent"` // 每次空闲时开始异常序列的概率（%），默认 10
	RunLength      int           `yaml:"run_length"`      // 异常序列长度（次），默认 3
	DeviceID       string        `yaml:"device_id"`

	NormalHR     models.Bounds `yaml:"normal_hr"`
	NormalSpO2   models.Bounds `yaml:"normal_spo2"`
	AbnormalHR   models.Bounds `yaml:"abnormal_hr"`
	AbnormalSpO2 models.Bounds `yaml:"abnormal_spo2"`
}

// DefaultSyntheticConfig 默认配置
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Interval:       2 * time.Second,
		AnomalyPercent: 10,
		RunLength:      3,
		NormalHR:       models.Bounds{Min: 60, Max: 100},
		NormalSpO2:     models.Bounds{Min: 95, Max: 100},
		AbnormalHR:     models.Bounds{Min: 110, Max: 150},
		AbnormalSpO2:   models.Bounds{Min: 80, Max: 92},
	}
}

// anomalyKinds 异常序列可选类型（均匀选择）
var anomalyKinds = [...]models.AnomalyKind{
	models.AnomalyHeartRate,
	models.AnomalySpO2,
	models.AnomalyBoth,
}

// GeneratorStats 生成器统计
type GeneratorStats struct {
	Ticks       int // 已生成的 Reading 数
	IdleDraws   int // 不在异常序列中时的随机判定次数
	RunsStarted int // 开始的异常序列数
}

// Generator 模拟数据状态机
type Generator struct {
	cfg SyntheticConfig
	rng *rand.Rand

	remaining int                // 当前异常序列剩余次数
	kind      models.AnomalyKind // 当前异常序列类型
	stats     GeneratorStats
}

// NewGenerator 创建生成器
func NewGenerator(cfg SyntheticConfig, rng *rand.Rand) *Generator {
	return &Generator{cfg: cfg, rng: rng}
}

// Next 生成下一条 Reading
func (g *Generator) Next(now time.Time) models.Reading {
	g.stats.Ticks++

	// 1. 不在异常序列中时，按概率决定是否开始新的异常序列
	if g.remaining == 0 {
		g.stats.IdleDraws++
		if g.rng.Intn(100) < g.cfg.AnomalyPercent {
			g.remaining = g.cfg.RunLength
			g.kind = anomalyKinds[g.rng.Intn(len(anomalyKinds))]
			g.stats.RunsStarted++
		}
	}

	// 2. 异常序列中：受影响指标取异常范围，其余取正常范围，类型固定为序列类型
	if g.remaining > 0 {
		hr := g.sample(g.cfg.NormalHR)
		if g.kind.AffectsHeartRate() {
			hr = g.sample(g.cfg.AbnormalHR)
		}
		spo2 := g.sample(g.cfg.NormalSpO2)
		if g.kind.AffectsSpO2() {
			spo2 = g.sample(g.cfg.AbnormalSpO2)
		}
		g.remaining--
		return models.NewReading(now, hr, spo2, g.kind).WithDevice(g.cfg.DeviceID)
	}

	// 3. 正常数据
	hr := g.sample(g.cfg.NormalHR)
	spo2 := g.sample(g.cfg.NormalSpO2)
	return models.NewReading(now, hr, spo2, models.AnomalyNone).WithDevice(g.cfg.DeviceID)
}

// InRun 当前是否处于异常序列中
func (g *Generator) InRun() bool {
	return g.remaining > 0
}

// Stats 返回统计快照
func (g *Generator) Stats() GeneratorStats {
	return g.stats
}

func (g *Generator) sample(b models.Bounds) int {
	if b.Max <= b.Min {
		return b.Min
	}
	return b.Min + g.rng.Intn(b.Max-b.Min+1)
}

// SyntheticOption 模拟数据源选项
type SyntheticOption func(*SyntheticSource)

// WithSeed 固定随机种子
func WithSeed(seed int64) SyntheticOption {
	return func(s *SyntheticSource) {
		s.newRand = func() *rand.Rand { return rand.New(rand.NewSource(seed)) }
	}
}

// WithRand 注入随机源构造函数（每次 Stream 调用一次）
func WithRand(newRand func() *rand.Rand) SyntheticOption {
	return func(s *SyntheticSource) {
		s.newRand = newRand
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) SyntheticOption {
	return func(s *SyntheticSource) {
		s.now = now
	}
}

// WithSyntheticLogger 设置 logger
func WithSyntheticLogger(logger *zap.Logger) SyntheticOption {
	return func(s *SyntheticSource) {
		s.logger = logger
	}
}

// SyntheticSource 模拟数据源：每个间隔生成一条 Reading，按概率插入连续异常序列
type SyntheticSource struct {
	cfg     SyntheticConfig
	newRand func() *rand.Rand
	now     func() time.Time
	logger  *zap.Logger

	mu    sync.Mutex
	stats GeneratorStats
}

// NewSyntheticSource 创建模拟数据源
func NewSyntheticSource(cfg SyntheticConfig, opts ...SyntheticOption) *SyntheticSource {
	defaults := DefaultSyntheticConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.RunLength <= 0 {
		cfg.RunLength = defaults.RunLength
	}
	if cfg.AnomalyPercent < 0 {
		cfg.AnomalyPercent = 0
	}
	if cfg.NormalHR == (models.Bounds{}) {
		cfg.NormalHR = defaults.NormalHR
	}
	if cfg.NormalSpO2 == (models.Bounds{}) {
		cfg.NormalSpO2 = defaults.NormalSpO2
	}
	if cfg.AbnormalHR == (models.Bounds{}) {
		cfg.AbnormalHR = defaults.AbnormalHR
	}
	if cfg.AbnormalSpO2 == (models.Bounds{}) {
		cfg.AbnormalSpO2 = defaults.AbnormalSpO2
	}

	s := &SyntheticSource{
		cfg:     cfg,
		newRand: func() *rand.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) },
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stream 立即生成第一条，之后每个间隔生成一条，直到 ctx 取消
func (s *SyntheticSource) Stream(ctx context.Context, out chan<- models.Reading) error {
	gen := NewGenerator(s.cfg, s.newRand())
	timer := time.NewTimer(0)
	defer timer.Stop()

	s.logger.Info("Synthetic source started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("anomaly_percent", s.cfg.AnomalyPercent),
		zap.Int("run_length", s.cfg.RunLength),
	)
	defer s.logger.Info("Synthetic source stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		r := gen.Next(s.now())
		s.mu.Lock()
		s.stats = gen.Stats()
		s.mu.Unlock()

		if r.IsAnomalous {
			s.logger.Debug("Synthetic anomaly",
				zap.String("anomaly_kind", r.AnomalyKind.String()),
				zap.Int("heart_rate", r.HeartRate),
				zap.Int("spo2", r.SpO2),
			)
		}

		if !emit(ctx, out, r) {
			return nil
		}
		timer.Reset(s.cfg.Interval)
	}
}

// Stats 最近一次 Stream 的生成统计
func (s *SyntheticSource) Stats() GeneratorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
