package observer

import (
	"context"

	rediscommon "wisefido-vitals/internal/common/redis"

	"github.com/go-redis/redis/v8"
)

// StreamPublisher 发布到消息流（用于在单元测试中替换 Redis）
type StreamPublisher interface {
	Publish(ctx context.Context, stream string, data interface{}) (string, error)
}

// RedisStreamPublisher 基于 Redis Streams 的实现，按近似长度裁剪
type RedisStreamPublisher struct {
	client *redis.Client
	maxLen int64
}

func NewRedisStreamPublisher(client *redis.Client, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, stream string, data interface{}) (string, error) {
	return rediscommon.PublishJSONToStream(ctx, p.client, stream, p.maxLen, data)
}
