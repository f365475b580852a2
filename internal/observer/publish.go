package observer

import (
	"context"
	"fmt"

	"wisefido-vitals/internal/models"
)

// Publisher MQTT 发布端（mqtt.Client 实现该接口）
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// PublishObserver 以线上格式转发到 MQTT 主题
type PublishObserver struct {
	client Publisher
	topic  string
	qos    byte
}

func NewPublishObserver(client Publisher, topic string, qos byte) *PublishObserver {
	return &PublishObserver{client: client, topic: topic, qos: qos}
}

func (p *PublishObserver) Name() string { return "publish" }

func (p *PublishObserver) Observe(ctx context.Context, r models.Reading) error {
	payload, err := models.EncodeReading(r)
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}
	if err := p.client.Publish(ctx, p.topic, p.qos, false, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}
	return nil
}
