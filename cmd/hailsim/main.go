package main

import (
	"log"

	"github.com/openhail/ridesync/internal/pkg/config"
	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/simserver"
)

func main() {
	configs := config.InitConfig(".env")

	zapLogger, err := logger.NewZapLogger(logger.ZapConfig{
		Level:    configs.Logger.Level,
		FilePath: configs.Logger.FilePath,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Close()
	logger.SetGlobalLogger(zapLogger)

	// Presence index: Redis when configured, in-memory otherwise
	var presence simserver.Presence
	if configs.Sim.RedisAddr != "" {
		redisPresence, err := simserver.NewRedisPresence(configs.Sim.RedisAddr, configs.Sim.RedisDB)
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", logger.Err(err))
		}
		defer redisPresence.Close()
		presence = redisPresence
	} else {
		presence = simserver.NewMemoryPresence()
	}

	// Ride ledger: PostgreSQL when configured, in-memory otherwise
	var store simserver.RideStore
	if configs.Sim.PostgresDSN != "" {
		sqlStore, err := simserver.NewSQLRideStore(configs.Sim.PostgresDSN)
		if err != nil {
			zapLogger.Fatal("Failed to connect to PostgreSQL", logger.Err(err))
		}
		defer sqlStore.Close()
		store = sqlStore
	} else {
		store = simserver.NewMemoryRideStore()
	}

	// Downstream fan-out: NSQ when configured
	var publisher simserver.Publisher = simserver.NopPublisher{}
	if configs.Sim.NSQAddr != "" {
		nsqPublisher, err := simserver.NewNSQPublisher(configs.Sim.NSQAddr)
		if err != nil {
			zapLogger.Fatal("Failed to connect to NSQ", logger.Err(err))
		}
		defer nsqPublisher.Stop()
		publisher = nsqPublisher
	}

	server := simserver.NewServer(configs.Sim, configs.JWT, presence, store, publisher, zapLogger)
	if configs.Sim.SurgeDefault > 1.0 {
		zapLogger.Info("Default surge multiplier active",
			logger.Float64("multiplier", configs.Sim.SurgeDefault))
	}

	if err := server.Start(); err != nil {
		zapLogger.Error("Server exited with error", logger.Err(err))
	}
}
