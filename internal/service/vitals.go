package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"wisefido-vitals/internal/common/mqtt"
	rediscommon "wisefido-vitals/internal/common/redis"
	"wisefido-vitals/internal/config"
	"wisefido-vitals/internal/distributor"
	"wisefido-vitals/internal/httpapi"
	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/observer"
	"wisefido-vitals/internal/source"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Option VitalsService 选项
type Option func(*VitalsService)

// WithMQTTFactory 替换 MQTT 客户端构造（测试使用）
func WithMQTTFactory(factory mqtt.Factory) Option {
	return func(s *VitalsService) {
		s.mqttFactory = factory
	}
}

// WithRedisClient 使用已有的 Redis 客户端（忽略 Redis 地址配置）
func WithRedisClient(client *redis.Client) Option {
	return func(s *VitalsService) {
		s.redis = client
	}
}

// VitalsService 生命体征服务：数据源 -> 分发器 -> 观察者，并对外提供 HTTP 查询
type VitalsService struct {
	config      *config.Config
	logger      *zap.Logger
	mqttFactory mqtt.Factory
	redis       *redis.Client
	registry    *prometheus.Registry
	liveStats   *liveStats

	source    source.Source
	dist      *distributor.Distributor
	observers []observer.Observer
	group     observer.Group
	router    *httpapi.Router
	server    *Server

	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

// NewVitalsService 创建生命体征服务
func NewVitalsService(cfg *config.Config, logger *zap.Logger, opts ...Option) (*VitalsService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &VitalsService{
		config:      cfg,
		logger:      logger,
		mqttFactory: mqtt.DefaultFactory,
		registry:    prometheus.NewRegistry(),
		liveStats:   &liveStats{},
	}
	for _, opt := range opts {
		opt(s)
	}

	// 1. Redis（可选）
	if s.redis == nil && cfg.Redis.Enabled {
		s.redis = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(context.Background(), s.redis); err != nil {
			_ = rediscommon.Close(s.redis)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	// 2. 进程指标
	if err := s.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := s.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	// 3. 数据源
	src, err := s.buildSource()
	if err != nil {
		return nil, err
	}
	s.source = src

	// 4. 分发器与观察者
	s.dist = distributor.New(logger.Named("distributor"))
	if err := observer.RegisterDistributorStats(s.registry, s.dist); err != nil {
		return nil, fmt.Errorf("failed to register distributor metrics: %w", err)
	}
	if err := s.buildObservers(); err != nil {
		return nil, err
	}

	// 5. HTTP
	s.router = httpapi.NewRouter(logger)
	s.router.RegisterVitalsRoutes(httpapi.NewVitalsHandler(s.dist, logger))
	s.router.RegisterMetricsRoute(s.registry)
	if cfg.HTTP.Addr != "" {
		s.server = NewServer(cfg.HTTP.Addr, s.router, logger)
	}

	return s, nil
}

func (s *VitalsService) buildSource() (source.Source, error) {
	cfg := s.config
	switch cfg.Source {
	case config.SourceMock:
		syn := source.DefaultSyntheticConfig()
		syn.Interval = cfg.Mock.Interval
		syn.AnomalyPercent = cfg.Mock.AnomalyPercent
		syn.RunLength = cfg.Mock.RunLength
		syn.DeviceID = cfg.Mock.DeviceID
		return source.NewSyntheticSource(syn, source.WithSyntheticLogger(s.logger.Named("synthetic"))), nil

	case config.SourceMQTT:
		if err := observer.RegisterLiveStats(s.registry, s.liveStats.snapshot); err != nil {
			return nil, fmt.Errorf("failed to register live source metrics: %w", err)
		}
		liveCfg := source.LiveConfig{
			MQTT:       cfg.MQTT,
			Thresholds: models.DefaultThresholds(),
		}
		liveLogger := s.logger.Named("live")
		return &source.Retrying{
			New: func() source.Source {
				ls := source.NewLiveSource(liveCfg,
					source.WithFactory(s.mqttFactory),
					source.WithLiveLogger(liveLogger),
				)
				s.liveStats.track(ls)
				return ls
			},
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.Backoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Logger:         s.logger.Named("retry"),
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown source %q", config.ErrInvalidConfig, cfg.Source)
	}
}

func (s *VitalsService) buildObservers() error {
	notifiers := []observer.Notifier{observer.NewLogNotifier(s.logger.Named("alert"))}
	if s.redis != nil {
		streams := observer.NewRedisStreamPublisher(s.redis, s.config.Redis.StreamMaxLen)
		notifiers = append(notifiers, observer.NewRedisStreamNotifier(streams))
		s.observers = append(s.observers, observer.NewCacheObserver(
			observer.NewRedisKVStore(s.redis), streams, s.config.Cache.SnapshotTTL, s.logger.Named("cache"),
		))
	}

	metrics, err := observer.NewMetricsObserver(s.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	s.observers = append(s.observers,
		observer.NewLogObserver(s.logger.Named("reading")),
		observer.NewAlertObserver(s.config.Alert.Consecutive, notifiers...),
		metrics,
	)
	return nil
}

// Start 启动服务
func (s *VitalsService) Start(ctx context.Context) error {
	s.logger.Info("Starting vitals service components",
		zap.String("source", s.config.Source),
		zap.Int("observers", len(s.observers)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// 1. 观察者先订阅，避免错过第一条数据
	for _, o := range s.observers {
		s.group.Go(runCtx, s.dist, o, s.logger)
	}

	// 2. 数据源
	if err := s.dist.Start(runCtx, s.source); err != nil {
		cancel()
		return fmt.Errorf("failed to start distributor: %w", err)
	}
	go s.watch()

	// 3. HTTP
	if s.server != nil {
		go func() {
			if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	s.logger.Info("Vitals service started successfully")
	return nil
}

// watch 数据源结束时记录原因（服务保持运行，HTTP 继续返回最后的数据与状态）
func (s *VitalsService) watch() {
	<-s.dist.Done()
	if s.dist.Status() != distributor.StatusEnded {
		return
	}
	if err := s.dist.Err(); err != nil {
		s.logger.Error("Vitals source ended", zap.Error(err))
		return
	}
	s.logger.Warn("Vitals source ended without error")
}

// Stop 停止服务（可重复调用）
func (s *VitalsService) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping vitals service")
		var errs []error

		if s.server != nil {
			if err := s.server.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}

		// 分发器停止后观察者通道关闭，观察者自行退出
		if err := s.dist.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("distributor: %w", err))
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.group.Wait()

		if s.redis != nil {
			if err := rediscommon.Close(s.redis); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}

		s.stopErr = errors.Join(errs...)
		s.logger.Info("Vitals service stopped")
	})
	return s.stopErr
}

// Done 数据源结束或服务停止时关闭
func (s *VitalsService) Done() <-chan struct{} {
	return s.dist.Done()
}

// Distributor 返回分发器
func (s *VitalsService) Distributor() *distributor.Distributor {
	return s.dist
}

// Handler 返回 HTTP 路由
func (s *VitalsService) Handler() http.Handler {
	return s.router
}
