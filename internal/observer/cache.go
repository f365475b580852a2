package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-vitals/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss 表示缓存不存在
var ErrCacheMiss = errors.New("cache miss")

const (
	defaultDeviceKey   = "default"
	defaultSnapshotTTL = 30 * time.Second

	// ReadingsStream 下游服务消费的实时数据流
	ReadingsStream = "vitals:readings:stream"
)

// KVStore 抽象的 KV 存储（用于在单元测试中替换 Redis）
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisKVStore 基于 go-redis 的 KV 实现
type RedisKVStore struct {
	client *redis.Client
}

func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// SnapshotKey 设备最新数据的缓存键
func SnapshotKey(deviceID string) string {
	if deviceID == "" {
		deviceID = defaultDeviceKey
	}
	return fmt.Sprintf("vitals:device:%s:latest", deviceID)
}

// CacheObserver 将最新数据写入缓存（带 TTL），并发布到实时数据流供下游消费
type CacheObserver struct {
	kv      KVStore
	streams StreamPublisher // 可为 nil
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCacheObserver 创建缓存观察者
func NewCacheObserver(kv KVStore, streams StreamPublisher, ttl time.Duration, logger *zap.Logger) *CacheObserver {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheObserver{
		kv:      kv,
		streams: streams,
		ttl:     ttl,
		logger:  logger,
	}
}

func (c *CacheObserver) Name() string { return "cache" }

func (c *CacheObserver) Observe(ctx context.Context, r models.Reading) error {
	key := SnapshotKey(r.DeviceID)

	// 1. 序列化并写入快照
	jsonData, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	if err := c.kv.Set(ctx, key, string(jsonData), c.ttl); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	// 2. 发布到实时数据流
	if c.streams != nil {
		streamID, err := c.streams.Publish(ctx, ReadingsStream, r)
		if err != nil {
			return fmt.Errorf("failed to publish to stream: %w", err)
		}
		c.logger.Debug("Published reading to stream",
			zap.String("stream", ReadingsStream),
			zap.String("stream_id", streamID),
		)
	}

	c.logger.Debug("Updated vitals snapshot", zap.String("key", key))
	return nil
}

// LatestSnapshot 读取设备最新快照
func LatestSnapshot(ctx context.Context, kv KVStore, deviceID string) (*models.Reading, error) {
	raw, err := kv.Get(ctx, SnapshotKey(deviceID))
	if err != nil {
		return nil, err
	}
	var r models.Reading
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &r, nil
}
