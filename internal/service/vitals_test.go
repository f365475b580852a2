package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wisefido-vitals/internal/common/mqtt/mqtttest"
	"wisefido-vitals/internal/config"
	"wisefido-vitals/internal/distributor"
	"wisefido-vitals/internal/httpapi"
	"wisefido-vitals/internal/observer"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTP.Addr = "" // 测试直接调用 Handler
	cfg.Mock.Interval = 10 * time.Millisecond
	cfg.MQTT.ConnectTimeout = time.Second
	return cfg
}

func getLatest(t *testing.T, h http.Handler) httpapi.Result[httpapi.LatestResponse] {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/vitals/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out httpapi.Result[httpapi.LatestResponse]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestVitalsService_MockSourceWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Mock.DeviceID = "sim-1"

	svc, err := NewVitalsService(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := svc.Distributor().Current()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// 快照写入 Redis
	require.Eventually(t, func() bool {
		return mr.Exists(observer.SnapshotKey("sim-1"))
	}, 2*time.Second, 10*time.Millisecond)

	out := getLatest(t, svc.Handler())
	assert.Equal(t, httpapi.StatusStreaming, out.Result.Status)
	require.NotNil(t, out.Result.Reading)
	assert.Equal(t, "sim-1", out.Result.Reading.DeviceID)

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, distributor.StatusStopped, svc.Distributor().Status())
	assert.Equal(t, httpapi.StatusStopped, getLatest(t, svc.Handler()).Result.Status)

	// 重复 Stop 无副作用
	require.NoError(t, svc.Stop(context.Background()))
}

func TestVitalsService_LiveSource(t *testing.T) {
	cfg := testConfig()
	cfg.Source = config.SourceMQTT
	fake := mqtttest.New()

	svc, err := NewVitalsService(cfg, zap.NewNop(), WithMQTTFactory(fake.Factory()))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	assert.Equal(t, httpapi.StatusWaiting, getLatest(t, svc.Handler()).Result.Status)

	require.Eventually(t, func() bool {
		return fake.Subscribed(cfg.MQTT.Topic)
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, fake.Deliver(cfg.MQTT.Topic,
		[]byte(`{"timestamp":"2025-05-01T08:00:00Z","hr":135,"spo2":97,"device_id":"dev-9","is_anomaly":true,"anomaly_type":"HeartRate"}`)))
	require.True(t, fake.Deliver(cfg.MQTT.Topic, []byte(`not json`)))

	require.Eventually(t, func() bool {
		r, ok := svc.Distributor().Current()
		return ok && r.HeartRate == 135
	}, 2*time.Second, 10*time.Millisecond)

	r, _ := svc.Distributor().Current()
	assert.True(t, r.IsAnomalous)
	assert.Equal(t, "dev-9", r.DeviceID)

	require.Eventually(t, func() bool {
		s := svc.liveStats.snapshot()
		return s.Received == 2 && s.Dropped == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vitals_live_messages_dropped_total 1")
}

func TestVitalsService_RedisUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := NewVitalsService(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestVitalsService_WithRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	svc, err := NewVitalsService(testConfig(), zap.NewNop(), WithRedisClient(client))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		n, err := client.XLen(context.Background(), observer.ReadingsStream).Result()
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop(context.Background()))
}
