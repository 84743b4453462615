package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/openhail/ridesync/internal/pkg/constants"
	"github.com/openhail/ridesync/internal/pkg/models"
)

func InitConfig(configPath string) *models.Config {
	local := GetEnv("APP_ENV", "local")
	if local == "local" {
		// Load config from file
		err := godotenv.Load(configPath)
		if err != nil {
			log.Println("error loading config from file", err)
		}
	}
	// Create config from environment variables
	return loadConfigFromEnv()
}

func loadConfigFromEnv() *models.Config {
	configs := &models.Config{}

	// App config
	configs.App.Name = GetEnv("APP_NAME", "ridesync")
	configs.App.Environment = GetEnv("APP_ENV", "")
	configs.App.Debug = GetEnvAsBool("APP_DEBUG", true)
	configs.App.Version = GetEnv("APP_VERSION", "")

	// Client config
	configs.Client.BackendURL = GetEnv("BACKEND_URL", "ws://localhost:9990/ws")
	configs.Client.UserID = GetEnv("CLIENT_USER_ID", "")
	configs.Client.Role = GetEnv("CLIENT_ROLE", "rider")
	configs.Client.Platform = GetEnv("CLIENT_PLATFORM", "android")

	// Reconnect config
	configs.Reconnect.MaxAttempts = GetEnvAsInt("RECONNECT_MAX_ATTEMPTS", 5)
	configs.Reconnect.BaseDelay = GetEnvAsDuration("RECONNECT_BASE_DELAY", 500*time.Millisecond)
	configs.Reconnect.MaxDelay = GetEnvAsDuration("RECONNECT_MAX_DELAY", 30*time.Second)
	configs.Reconnect.Multiplier = GetEnvAsFloat("RECONNECT_MULTIPLIER", 2.0)
	configs.Reconnect.Jitter = GetEnvAsBool("RECONNECT_JITTER", true)

	// Tracking config
	configs.Tracking.QueueCapacity = GetEnvAsInt("TRACKING_QUEUE_CAPACITY", constants.OfflineQueueCapacity)

	// Auto-accept config
	configs.AutoAccept.Enabled = GetEnvAsBool("AUTO_ACCEPT_ENABLED", false)
	configs.AutoAccept.MinFare = GetEnvAsFloat("AUTO_ACCEPT_MIN_FARE", 0)
	configs.AutoAccept.MaxDistanceKm = GetEnvAsFloat("AUTO_ACCEPT_MAX_DISTANCE_KM", 0)
	configs.AutoAccept.MinRating = GetEnvAsFloat("AUTO_ACCEPT_MIN_RATING", 0)
	configs.AutoAccept.DeclineOnExpiry = GetEnvAsBool("AUTO_DECLINE_ON_EXPIRY", false)

	// Simulator config
	configs.Sim.Port = GetEnvAsInt("SIM_PORT", 9990)
	configs.Sim.RedisAddr = GetEnv("SIM_REDIS_ADDR", "")
	configs.Sim.RedisDB = GetEnvAsInt("SIM_REDIS_DB", 0)
	configs.Sim.PostgresDSN = GetEnv("SIM_POSTGRES_DSN", "")
	configs.Sim.NSQAddr = GetEnv("SIM_NSQ_ADDR", "")
	configs.Sim.NSQTopic = GetEnv("SIM_NSQ_TOPIC", "ride-events")
	configs.Sim.SurgeDefault = GetEnvAsFloat("SIM_SURGE_DEFAULT", 1.0)

	// JWT config
	configs.JWT.Secret = GetEnv("JWT_SECRET", "")
	configs.JWT.Expiration = GetEnvAsInt("JWT_EXPIRATION", 60)
	configs.JWT.Issuer = GetEnv("JWT_ISSUER", "ridesync")

	// Logger config
	configs.Logger.Level = GetEnv("LOG_LEVEL", "info")
	configs.Logger.FilePath = GetEnv("LOG_FILE_PATH", "")

	return configs
}

// Helper functions to get environment variables with different types
func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := GetEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func GetEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := GetEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Warning: Invalid float value for %s, using default: %f", key, defaultValue)
		return defaultValue
	}
	return value
}

func GetEnvAsBool(key string, defaultValue bool) bool {
	valueStr := GetEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := GetEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid duration value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}
