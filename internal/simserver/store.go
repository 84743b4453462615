package simserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/openhail/ridesync/internal/pkg/models"
)

// ErrRideNotFound is returned when a ride ID has no backing record
var ErrRideNotFound = errors.New("simserver: ride not found")

// Ride is the server-side ledger record of one dispatched request
type Ride struct {
	ID              string    `db:"id"`
	PassengerID     string    `db:"passenger_id"`
	DriverID        string    `db:"driver_id"`
	Status          string    `db:"status"`
	PickupLat       float64   `db:"pickup_lat"`
	PickupLng       float64   `db:"pickup_lng"`
	DestLat         float64   `db:"dest_lat"`
	DestLng         float64   `db:"dest_lng"`
	Fare            float64   `db:"fare"`
	SurgeMultiplier float64   `db:"surge_multiplier"`
	DistanceKm      float64   `db:"distance_km"`
	RequestedAt     time.Time `db:"requested_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// RideStore persists the dispatch ledger
type RideStore interface {
	Create(ctx context.Context, ride *Ride) error
	UpdateStatus(ctx context.Context, id, status, driverID string) error
	Get(ctx context.Context, id string) (*Ride, error)
	ActiveForUser(ctx context.Context, userID string) (*Ride, error)
}

// terminalStatus mirrors the client-side lifecycle terminals
func terminalStatus(status string) bool {
	switch status {
	case "arrived", "cancelled", "no_drivers", "expired":
		return true
	}
	return false
}

// MemoryRideStore is the in-process ledger used by tests and
// single-node simulations
type MemoryRideStore struct {
	mu    sync.RWMutex
	rides map[string]*Ride
}

func NewMemoryRideStore() *MemoryRideStore {
	return &MemoryRideStore{rides: make(map[string]*Ride)}
}

func (s *MemoryRideStore) Create(_ context.Context, ride *Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ride
	s.rides[ride.ID] = &cp
	return nil
}

func (s *MemoryRideStore) UpdateStatus(_ context.Context, id, status, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.rides[id]
	if !ok {
		return ErrRideNotFound
	}
	ride.Status = status
	if driverID != "" {
		ride.DriverID = driverID
	}
	ride.UpdatedAt = models.Now()
	return nil
}

func (s *MemoryRideStore) Get(_ context.Context, id string) (*Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ride, ok := s.rides[id]
	if !ok {
		return nil, ErrRideNotFound
	}
	cp := *ride
	return &cp, nil
}

func (s *MemoryRideStore) ActiveForUser(_ context.Context, userID string) (*Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Ride
	for _, ride := range s.rides {
		if ride.PassengerID != userID && ride.DriverID != userID {
			continue
		}
		if terminalStatus(ride.Status) {
			continue
		}
		if latest == nil || ride.RequestedAt.After(latest.RequestedAt) {
			latest = ride
		}
	}
	if latest == nil {
		return nil, ErrRideNotFound
	}
	cp := *latest
	return &cp, nil
}

// SQLRideStore persists rides in PostgreSQL
type SQLRideStore struct {
	db *sqlx.DB
}

// NewSQLRideStore connects to PostgreSQL and verifies connectivity
func NewSQLRideStore(dsn string) (*SQLRideStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &SQLRideStore{db: db}, nil
}

func (s *SQLRideStore) Create(ctx context.Context, ride *Ride) error {
	query := `
		INSERT INTO rides (
			id, passenger_id, driver_id, status,
			pickup_lat, pickup_lng, dest_lat, dest_lng,
			fare, surge_multiplier, distance_km,
			requested_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.ExecContext(ctx, query,
		ride.ID,
		ride.PassengerID,
		ride.DriverID,
		ride.Status,
		ride.PickupLat,
		ride.PickupLng,
		ride.DestLat,
		ride.DestLng,
		ride.Fare,
		ride.SurgeMultiplier,
		ride.DistanceKm,
		ride.RequestedAt,
		ride.UpdatedAt,
	)
	return err
}

func (s *SQLRideStore) UpdateStatus(ctx context.Context, id, status, driverID string) error {
	query := `
		UPDATE rides
		SET status = $2,
		    driver_id = CASE WHEN $3 <> '' THEN $3 ELSE driver_id END,
		    updated_at = $4
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query, id, status, driverID, models.Now())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRideNotFound
	}
	return nil
}

func (s *SQLRideStore) Get(ctx context.Context, id string) (*Ride, error) {
	var ride Ride
	err := s.db.GetContext(ctx, &ride, `SELECT * FROM rides WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

func (s *SQLRideStore) ActiveForUser(ctx context.Context, userID string) (*Ride, error) {
	var ride Ride
	query := `
		SELECT * FROM rides
		WHERE (passenger_id = $1 OR driver_id = $1)
		  AND status NOT IN ('arrived', 'cancelled', 'no_drivers', 'expired')
		ORDER BY requested_at DESC
		LIMIT 1
	`
	err := s.db.GetContext(ctx, &ride, query, userID)
	if err == sql.ErrNoRows {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

// Close closes the database connection pool
func (s *SQLRideStore) Close() error {
	return s.db.Close()
}
