package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openhail/ridesync/internal/conn"
	"github.com/openhail/ridesync/internal/driver"
	"github.com/openhail/ridesync/internal/location"
	"github.com/openhail/ridesync/internal/notify"
	"github.com/openhail/ridesync/internal/pkg/config"
	"github.com/openhail/ridesync/internal/pkg/keyvalue"
	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/pkg/models"
	"github.com/openhail/ridesync/internal/rider"
)

// Demo route through central Jakarta
var (
	demoPickup      = models.Location{Latitude: -6.175392, Longitude: 106.827153}
	demoDestination = models.Location{Latitude: -6.2088, Longitude: 106.8456}
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

	identity := models.Identity{
		UserID:   configs.Client.UserID,
		Role:     configs.Client.Role,
		Platform: configs.Client.Platform,
	}

	cm := conn.NewManager(configs.Client.BackendURL, identity, configs.Reconnect, configs.JWT, zapLogger,
		conn.WithFailureHandler(func() {
			zapLogger.Error("Connection permanently failed; manual reconnect required")
		}))

	store := keyvalue.NewMemoryStore()
	notifier := notify.NewLogNotifier(zapLogger)
	gps := newSimGPS(demoPickup)
	sampler := location.NewSampler(gps, cm, identity.UserID, configs.Tracking.QueueCapacity, zapLogger)

	cm.OnStatus(func(connected bool) {
		sampler.OnConnectivityChange(connected)
	})

	switch identity.Role {
	case "driver":
		runDriver(cm, sampler, notifier, store, configs, zapLogger)
	case "rider":
		runRider(cm, sampler, notifier, store, zapLogger)
	default:
		zapLogger.Fatal("CLIENT_ROLE must be driver or rider",
			logger.String("role", identity.Role))
	}
}

func runDriver(cm *conn.Manager, sampler *location.Sampler, notifier notify.Notifier, store keyvalue.Store, configs *models.Config, zapLogger *logger.ZapLogger) {
	dm := driver.NewManager(cm, notifier, store, configs.AutoAccept, zapLogger)
	dm.Bind(cm)
	cm.OnStatus(func(connected bool) {
		dm.OnConnectivityChange(connected)
	})

	if err := cm.Connect(context.Background()); err != nil {
		zapLogger.Fatal("Initial connect failed", logger.Err(err))
	}
	if err := sampler.StartTracking(location.TrackingContext{Kind: location.Ambient}); err != nil {
		zapLogger.Fatal("Failed to start tracking", logger.Err(err))
	}

	zapLogger.Info("Driver simulator running; waiting for ride requests")
	waitForShutdown(zapLogger)

	sampler.StopTracking()
	dm.Close()
	cm.Disconnect()
}

func runRider(cm *conn.Manager, sampler *location.Sampler, notifier notify.Notifier, store keyvalue.Store, zapLogger *logger.ZapLogger) {
	rm := rider.NewManager(cm, notifier, store, sampler, zapLogger)
	rm.Bind(cm)
	cm.OnStatus(func(connected bool) {
		rm.OnConnectivityChange(connected)
	})

	rm.SetPeerLocationHandler(func(p models.PeerLocationPayload) {
		zapLogger.Info("Driver position",
			logger.Float64("lat", p.Latitude),
			logger.Float64("lng", p.Longitude))
	})
	rm.SetArrivedHandler(func(s models.RideSearch) {
		zapLogger.Info("Driver arrived at pickup",
			logger.String("request_id", s.RequestID),
			logger.String("driver_id", s.DriverID))
		if err := sampler.StartTracking(location.TrackingContext{Kind: location.Ride, RideID: s.RequestID}); err != nil {
			zapLogger.Warn("Failed to start ride tracking", logger.Err(err))
		}
	})

	if err := cm.Connect(context.Background()); err != nil {
		zapLogger.Fatal("Initial connect failed", logger.Err(err))
	}

	// Give the channel a beat to settle before searching
	time.Sleep(500 * time.Millisecond)
	requestID, err := rm.StartSearch(demoPickup, demoDestination)
	if err != nil {
		zapLogger.Fatal("Failed to start search", logger.Err(err))
	}
	zapLogger.Info("Searching for a ride", logger.String("request_id", requestID))

	waitForShutdown(zapLogger)

	if rm.Cancel("simulator shutdown") {
		zapLogger.Info("Active search cancelled")
	}
	sampler.StopTracking()
	cm.Disconnect()
}

func waitForShutdown(zapLogger *logger.ZapLogger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	zapLogger.Info("Received shutdown signal", logger.String("signal", sig.String()))
}
