package simserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openhail/ridesync/internal/geo"
	"github.com/openhail/ridesync/internal/pkg/models"
)

// DriverPosition is one entry in the driver presence index
type DriverPosition struct {
	DriverID   string
	Latitude   float64
	Longitude  float64
	DistanceKm float64
}

// Presence tracks live driver positions and answers proximity queries
type Presence interface {
	Update(ctx context.Context, driverID string, lat, lng float64) error
	Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]DriverPosition, error)
	Remove(ctx context.Context, driverID string) error
}

// MemoryPresence is the in-process presence index used by tests and
// single-node simulations
type MemoryPresence struct {
	mu        sync.RWMutex
	positions map[string][2]float64
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{positions: make(map[string][2]float64)}
}

func (p *MemoryPresence) Update(_ context.Context, driverID string, lat, lng float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[driverID] = [2]float64{lat, lng}
	return nil
}

func (p *MemoryPresence) Nearby(_ context.Context, lat, lng, radiusKm float64) ([]DriverPosition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []DriverPosition
	origin := models.Location{Latitude: lat, Longitude: lng}
	for id, pos := range p.positions {
		dist := geo.CalculateDistance(origin, models.Location{Latitude: pos[0], Longitude: pos[1]})
		if dist <= radiusKm {
			out = append(out, DriverPosition{
				DriverID:   id,
				Latitude:   pos[0],
				Longitude:  pos[1],
				DistanceKm: dist,
			})
		}
	}
	return out, nil
}

func (p *MemoryPresence) Remove(_ context.Context, driverID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, driverID)
	return nil
}

const driverGeoKey = "drivers:geo"

// RedisPresence stores driver positions in a Redis geospatial index
type RedisPresence struct {
	client *redis.Client
}

// NewRedisPresence connects to Redis and verifies connectivity
func NewRedisPresence(addr string, db int) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPresence{client: client}, nil
}

func (p *RedisPresence) Update(ctx context.Context, driverID string, lat, lng float64) error {
	return p.client.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Longitude: lng,
		Latitude:  lat,
		Name:      driverID,
	}).Err()
}

func (p *RedisPresence) Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]DriverPosition, error) {
	locations, err := p.client.GeoRadius(ctx, driverGeoKey, lng, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]DriverPosition, 0, len(locations))
	for _, loc := range locations {
		out = append(out, DriverPosition{
			DriverID:   loc.Name,
			Latitude:   loc.Latitude,
			Longitude:  loc.Longitude,
			DistanceKm: loc.Dist,
		})
	}
	return out, nil
}

func (p *RedisPresence) Remove(ctx context.Context, driverID string) error {
	return p.client.ZRem(ctx, driverGeoKey, driverID).Err()
}

// Close closes the Redis client
func (p *RedisPresence) Close() error {
	return p.client.Close()
}
