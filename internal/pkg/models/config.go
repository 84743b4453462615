package models

import "time"

// Config represents application configuration
type Config struct {
	App        AppConfig
	Client     ClientConfig
	Reconnect  ReconnectConfig
	Tracking   TrackingConfig
	AutoAccept AutoAcceptConfig
	Sim        SimConfig
	JWT        JWTConfig
	Logger     LoggerConfig
}

// AppConfig contains application-specific configuration
type AppConfig struct {
	Name        string
	Environment string
	Debug       bool
	Version     string
}

// ClientConfig contains the backend endpoint and connect identity
type ClientConfig struct {
	BackendURL string
	UserID     string
	Role       string
	Platform   string
}

// ReconnectConfig bounds the automatic reconnection loop
type ReconnectConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// TrackingConfig contains location sampling configuration
type TrackingConfig struct {
	QueueCapacity int
}

// AutoAcceptConfig contains driver auto-accept configuration
type AutoAcceptConfig struct {
	Enabled         bool
	MinFare         float64
	MaxDistanceKm   float64
	MinRating       float64
	DeclineOnExpiry bool
}

// SimConfig contains backend-simulator configuration
type SimConfig struct {
	Port         int
	RedisAddr    string
	RedisDB      int
	PostgresDSN  string
	NSQAddr      string
	NSQTopic     string
	SurgeDefault float64
}

// JWTConfig contains token signing configuration
type JWTConfig struct {
	Secret     string
	Expiration int // in minutes
	Issuer     string
}

// LoggerConfig contains logger configuration
type LoggerConfig struct {
	Level    string
	FilePath string
}
