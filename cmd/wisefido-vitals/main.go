package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-vitals/internal/common/logger"
	"wisefido-vitals/internal/config"
	"wisefido-vitals/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-vitals")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting wisefido-vitals service",
		zap.String("source", cfg.Source),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	// 创建服务
	vitalsService, err := service.NewVitalsService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create vitals service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := vitalsService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start vitals service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := vitalsService.Stop(stopCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}
	cancel()

	zapLogger.Info("Service stopped")
}
