package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quotewire/quotewire/api"
	"github.com/quotewire/quotewire/internal/bus"
	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/gateway"
	"github.com/quotewire/quotewire/internal/provider"
	"github.com/quotewire/quotewire/internal/quote"
	"github.com/quotewire/quotewire/internal/scheduler"
	"github.com/quotewire/quotewire/internal/store"
	"github.com/quotewire/quotewire/internal/syncworker"
	"github.com/quotewire/quotewire/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Missing broker address or provider settings abort boot here.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	var broker bus.Bus
	switch cfg.Bus.Kind {
	case "kafka":
		broker = bus.NewKafkaBus(cfg.Bus.KafkaBrokers, cfg.Bus.KafkaGroupID, zapLogger)
	default:
		broker = bus.NewRedisBus(cfg.Bus.RedisAddr, cfg.Bus.RedisPassword, cfg.Bus.RedisDB, zapLogger)
	}

	gw := gateway.New(gateway.Config{
		PingInterval:   cfg.Gateway.PingInterval,
		PongWait:       cfg.Gateway.PongWait,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		SendBuffer:     cfg.Gateway.SendBuffer,
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
	}, zapLogger)

	cache := quote.NewCache()
	bridge := bus.NewBridge(broker, gw, cache, bus.BridgeConfig{
		QueueSize:    cfg.Bus.QueueSize,
		ReconnectMin: cfg.Bus.ReconnectMin,
		ReconnectMax: cfg.Bus.ReconnectMax,
	}, zapLogger)

	var lister provider.ProductLister
	if cfg.Database.DSN != "" {
		products, err := store.NewProductStore(cfg.Database.DSN, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to open product store", zap.Error(err))
		}
		lister = products
	} else {
		lister = provider.StaticLister(cfg.Sync.Codes)
	}

	feed := provider.NewHTTPFeed(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout, zapLogger)
	worker := syncworker.New(lister, feed, broker, cache, zapLogger)

	sched := scheduler.New(zapLogger)
	if err := sched.Register(syncworker.TaskName, cfg.Sync.Interval, worker.RunQuoteSync); err != nil {
		zapLogger.Fatal("Failed to register sync task", zap.Error(err))
	}

	ctx := context.Background()
	bridge.Start(ctx)
	if err := sched.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	apiServer := api.NewServer(zapLogger, sched, gw, bridge, cache, cfg.Server.AllowedOrigins)
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", cfg.Server.Addr))
		if err := apiServer.Start(cfg.Server.Addr); err != nil {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	sched.Stop()
	bridge.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Gateway shutdown failed", zap.Error(err))
	}
	if err := broker.Close(); err != nil {
		zapLogger.Error("Broker close failed", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
