// wisefido-vitals-sim 模拟设备：生成模拟生命体征并按上游消息格式发布到 MQTT
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"wisefido-vitals/internal/common/logger"
	"wisefido-vitals/internal/common/mqtt"
	"wisefido-vitals/internal/config"
	"wisefido-vitals/internal/distributor"
	"wisefido-vitals/internal/observer"
	"wisefido-vitals/internal/source"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-vitals-sim")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 连接 MQTT（模拟器使用独立的客户端ID前缀）
	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID == config.Default().MQTT.ClientID {
		mqttCfg.ClientID = "wisefido-vitals-sim_"
	}
	client, err := mqtt.NewClient(ctx, &mqttCfg, mqtt.DefaultFactory, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to MQTT", zap.Error(err))
	}
	defer client.Disconnect()

	// 2. 模拟数据源
	syn := source.DefaultSyntheticConfig()
	syn.Interval = cfg.Mock.Interval
	syn.AnomalyPercent = cfg.Mock.AnomalyPercent
	syn.RunLength = cfg.Mock.RunLength
	syn.DeviceID = cfg.Mock.DeviceID
	src := source.NewSyntheticSource(syn, source.WithSyntheticLogger(zapLogger))

	// 3. 分发并发布
	dist := distributor.New(zapLogger)
	var group observer.Group
	group.Go(ctx, dist, observer.NewPublishObserver(client, mqttCfg.Topic, mqttCfg.QoS), zapLogger)
	group.Go(ctx, dist, observer.NewLogObserver(zapLogger), zapLogger)

	if err := dist.Start(ctx, src); err != nil {
		zapLogger.Fatal("Failed to start simulator", zap.Error(err))
	}

	zapLogger.Info("Simulator publishing",
		zap.String("mqtt_broker", mqttCfg.Broker),
		zap.String("topic", mqttCfg.Topic),
		zap.Duration("interval", syn.Interval),
	)

	select {
	case <-ctx.Done():
		zapLogger.Info("Received signal, shutting down")
	case <-dist.Done():
		zapLogger.Warn("Simulator source ended", zap.Error(dist.Err()))
	}

	if err := dist.Stop(); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}
	group.Wait()
	zapLogger.Info("Simulator stopped")
}
