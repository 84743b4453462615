package simserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/openhail/ridesync/internal/geo"
	"github.com/openhail/ridesync/internal/pkg/constants"
	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/pkg/models"
)

const (
	defaultDispatchExpiry = 30 * time.Second
	dispatchRadiusKm      = 5.0
	farePerKm             = 3000.0
	defaultRating         = 4.5
)

// Relay routes events between connected riders and drivers: search
// fan-out, accept/reject arbitration, peer location forwarding and
// resync replies.
type Relay struct {
	hub       *Hub
	presence  Presence
	store     RideStore
	publisher Publisher
	topic     string
	log       *logger.ZapLogger

	mu       sync.Mutex
	surge    map[string]float64
	expiry   map[string]*time.Timer
	notified map[string]map[string]bool
	rejected map[string]map[string]bool

	dispatchExpiry time.Duration
}

// NewRelay creates the event router
func NewRelay(hub *Hub, presence Presence, store RideStore, publisher Publisher, topic string, log *logger.ZapLogger) *Relay {
	return &Relay{
		hub:            hub,
		presence:       presence,
		store:          store,
		publisher:      publisher,
		topic:          topic,
		log:            log,
		surge:          make(map[string]float64),
		expiry:         make(map[string]*time.Timer),
		notified:       make(map[string]map[string]bool),
		rejected:       make(map[string]map[string]bool),
		dispatchExpiry: defaultDispatchExpiry,
	}
}

// SetDispatchExpiry overrides how long a fanned-out request stays open
func (r *Relay) SetDispatchExpiry(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchExpiry = d
}

// HandleMessage routes one inbound envelope from a connected client
func (r *Relay) HandleMessage(ctx context.Context, client *Client, msg models.WSMessage) {
	switch msg.Event {
	case constants.EventRideSearch:
		var p models.RideSearchPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			client.SendError(constants.ErrorInvalidFormat, "invalid ride-search payload")
			return
		}
		r.handleSearch(ctx, client, p)
	case constants.EventAcceptRequest:
		var p models.AcceptRequestPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			client.SendError(constants.ErrorInvalidFormat, "invalid accept-request payload")
			return
		}
		r.handleAccept(ctx, client, p)
	case constants.EventRejectRequest:
		var p models.RejectRequestPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			client.SendError(constants.ErrorInvalidFormat, "invalid reject-request payload")
			return
		}
		r.handleReject(ctx, client, p)
	case constants.EventLocationUpdate:
		var p models.LocationUpdatePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			client.SendError(constants.ErrorInvalidFormat, "invalid location-update payload")
			return
		}
		r.handleLocation(ctx, client, p)
	case constants.EventCancelRequest:
		var p models.CancelRequestPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			client.SendError(constants.ErrorInvalidFormat, "invalid cancel-request payload")
			return
		}
		r.handleCancel(ctx, client, p)
	case constants.EventRideStatusUpdate:
		var p models.RideStatusPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			client.SendError(constants.ErrorInvalidFormat, "invalid ride-status payload")
			return
		}
		r.handleDriverStatus(ctx, client, p)
	case constants.EventSOSAlert:
		var p models.SOSAlertPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			client.SendError(constants.ErrorInvalidFormat, "invalid sos-alert payload")
			return
		}
		r.handleSOS(client, p)
	case constants.EventResyncRequest:
		r.handleResync(ctx, client)
	case constants.EventPing:
		client.Send(constants.EventPong, nil)
	default:
		r.log.Debug("Ignoring unknown event",
			logger.String("event", msg.Event),
			logger.String("user_id", client.UserID))
	}
}

// handleSearch creates the ride record and fans the request out to
// nearby connected drivers
func (r *Relay) handleSearch(ctx context.Context, client *Client, p models.RideSearchPayload) {
	distance := geo.CalculateDistance(p.Pickup, p.Destination)
	multiplier := r.surgeFor(p.Pickup)
	fare := distance * farePerKm * multiplier

	ride := &Ride{
		ID:              p.RequestID,
		PassengerID:     client.UserID,
		Status:          constants.StatusSearching,
		PickupLat:       p.Pickup.Latitude,
		PickupLng:       p.Pickup.Longitude,
		DestLat:         p.Destination.Latitude,
		DestLng:         p.Destination.Longitude,
		Fare:            fare,
		SurgeMultiplier: multiplier,
		DistanceKm:      distance,
		RequestedAt:     models.Now(),
		UpdatedAt:       models.Now(),
	}
	if err := r.store.Create(ctx, ride); err != nil {
		r.log.Error("Failed to persist ride", logger.Err(err))
		client.SendError(constants.ErrorInternalError, "could not create ride")
		return
	}

	candidates, err := r.presence.Nearby(ctx, p.Pickup.Latitude, p.Pickup.Longitude, dispatchRadiusKm)
	if err != nil {
		r.log.Error("Presence query failed", logger.Err(err))
	}

	r.mu.Lock()
	expiresIn := r.dispatchExpiry
	r.mu.Unlock()

	request := models.NewRideRequestPayload{
		ID:              ride.ID,
		PassengerID:     client.UserID,
		Pickup:          p.Pickup,
		Destination:     p.Destination,
		Fare:            fare,
		DistanceKm:      distance,
		PassengerRating: defaultRating,
		SurgeMultiplier: multiplier,
		ExpiresInSec:    int(expiresIn.Seconds()),
	}

	targets := make(map[string]bool)
	for _, candidate := range candidates {
		if _, connected := r.hub.Get(candidate.DriverID); connected {
			targets[candidate.DriverID] = true
		}
	}
	// No presence data yet: offer to every connected driver
	if len(targets) == 0 {
		for _, driver := range r.hub.Role("driver") {
			targets[driver.UserID] = true
		}
	}

	if len(targets) == 0 {
		r.finishSearch(ctx, ride.ID, client.UserID, constants.StatusNoDrivers)
		return
	}

	r.mu.Lock()
	r.notified[ride.ID] = targets
	r.rejected[ride.ID] = make(map[string]bool)
	r.expiry[ride.ID] = time.AfterFunc(expiresIn, func() {
		r.expireDispatch(ride.ID, client.UserID)
	})
	r.mu.Unlock()

	for driverID := range targets {
		r.hub.NotifyUser(driverID, constants.EventNewRideRequest, request)
	}

	r.publish("ride.search", ride)
	r.log.Info("Ride request dispatched",
		logger.String("ride_id", ride.ID),
		logger.Int("drivers", len(targets)))
}

// handleAccept arbitrates the first driver acceptance
func (r *Relay) handleAccept(ctx context.Context, client *Client, p models.AcceptRequestPayload) {
	ride, err := r.store.Get(ctx, p.ID)
	if err != nil {
		client.SendError(constants.ErrorRequestNotFound, "unknown ride request")
		return
	}
	if ride.Status != constants.StatusSearching {
		// Another driver won the race; clear this driver's copy
		client.Send(constants.EventRequestExpired, models.RequestExpiredPayload{ID: p.ID})
		return
	}

	if err := r.store.UpdateStatus(ctx, p.ID, constants.StatusAccepted, client.UserID); err != nil {
		r.log.Error("Failed to accept ride", logger.Err(err))
		return
	}
	r.clearDispatch(p.ID, client.UserID)

	// The rider walks matched then accepted, never skipping a state
	for _, status := range []string{constants.StatusMatched, constants.StatusAccepted} {
		r.hub.NotifyUser(ride.PassengerID, constants.EventRideStatusUpdate, models.RideStatusPayload{
			ID:       p.ID,
			Status:   status,
			DriverID: client.UserID,
		})
	}

	r.publish("ride.accepted", map[string]interface{}{
		"ride_id":   p.ID,
		"driver_id": client.UserID,
		"auto":      p.Auto,
	})
	r.log.Info("Ride accepted",
		logger.String("ride_id", p.ID),
		logger.String("driver_id", client.UserID),
		logger.Bool("auto", p.Auto))
}

// handleReject records a decline; the search ends when every notified
// driver has declined
func (r *Relay) handleReject(ctx context.Context, client *Client, p models.RejectRequestPayload) {
	r.mu.Lock()
	targets, ok := r.notified[p.ID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.rejected[p.ID][client.UserID] = true
	allDeclined := len(r.rejected[p.ID]) >= len(targets)
	r.mu.Unlock()

	r.log.Info("Ride rejected",
		logger.String("ride_id", p.ID),
		logger.String("driver_id", client.UserID),
		logger.String("reason", p.Reason))

	if allDeclined {
		ride, err := r.store.Get(ctx, p.ID)
		if err != nil || ride.Status != constants.StatusSearching {
			return
		}
		r.finishSearch(ctx, p.ID, ride.PassengerID, constants.StatusNoDrivers)
	}
}

// handleLocation updates driver presence and relays the fix to the ride
// counterpart when a ride is active
func (r *Relay) handleLocation(ctx context.Context, client *Client, p models.LocationUpdatePayload) {
	if client.Role == "driver" {
		if err := r.presence.Update(ctx, client.UserID, p.Latitude, p.Longitude); err != nil {
			r.log.Warn("Presence update failed", logger.Err(err))
		}
	}

	if p.RideID == "" {
		return
	}
	ride, err := r.store.Get(ctx, p.RideID)
	if err != nil {
		return
	}

	peer := models.PeerLocationPayload{
		EntityID:  client.UserID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Bearing:   p.Bearing,
		Speed:     p.Speed,
	}
	if client.UserID == ride.DriverID {
		r.hub.NotifyUser(ride.PassengerID, constants.EventPeerLocation, peer)
	} else if client.UserID == ride.PassengerID && ride.DriverID != "" {
		r.hub.NotifyUser(ride.DriverID, constants.EventPeerLocation, peer)
	}
}

// handleCancel applies a client-initiated cancellation and informs the
// counterpart and any drivers still holding the request
func (r *Relay) handleCancel(ctx context.Context, client *Client, p models.CancelRequestPayload) {
	ride, err := r.store.Get(ctx, p.ID)
	if err != nil {
		client.SendError(constants.ErrorRequestNotFound, "unknown ride request")
		return
	}
	if terminalStatus(ride.Status) {
		return
	}

	if err := r.store.UpdateStatus(ctx, p.ID, constants.StatusCancelled, ""); err != nil {
		r.log.Error("Failed to cancel ride", logger.Err(err))
		return
	}

	cancelled := models.RequestCancelledPayload{
		ID:          p.ID,
		Reason:      p.Reason,
		CancelledBy: p.CancelledBy,
	}

	targets := r.takeDispatch(p.ID)

	if client.UserID == ride.PassengerID {
		// Drivers still weighing the request must drop it
		for driverID := range targets {
			r.hub.NotifyUser(driverID, constants.EventRequestCancelled, cancelled)
		}
		if ride.DriverID != "" {
			r.hub.NotifyUser(ride.DriverID, constants.EventRequestCancelled, cancelled)
		}
	} else {
		r.hub.NotifyUser(ride.PassengerID, constants.EventRequestCancelled, cancelled)
	}

	r.publish("ride.cancelled", cancelled)
}

// handleDriverStatus relays driver-reported progress (enroute, arrived)
// to the rider
func (r *Relay) handleDriverStatus(ctx context.Context, client *Client, p models.RideStatusPayload) {
	if client.Role != "driver" {
		return
	}
	ride, err := r.store.Get(ctx, p.ID)
	if err != nil || ride.DriverID != client.UserID {
		return
	}
	if p.Status != constants.StatusEnroute && p.Status != constants.StatusArrived {
		return
	}

	if err := r.store.UpdateStatus(ctx, p.ID, p.Status, ""); err != nil {
		r.log.Error("Failed to update ride status", logger.Err(err))
		return
	}

	r.hub.NotifyUser(ride.PassengerID, constants.EventRideStatusUpdate, models.RideStatusPayload{
		ID:       p.ID,
		Status:   p.Status,
		DriverID: client.UserID,
	})
	r.publish("ride.status", map[string]interface{}{"ride_id": p.ID, "status": p.Status})
}

// handleSOS forwards the emergency alert downstream. The alert never
// touches ride state.
func (r *Relay) handleSOS(client *Client, p models.SOSAlertPayload) {
	r.log.Warn("SOS alert received",
		logger.String("user_id", client.UserID),
		logger.String("ride_id", p.ID),
		logger.Float64("lat", p.Location.Latitude),
		logger.Float64("lng", p.Location.Longitude))
	r.publish("ride.sos", map[string]interface{}{
		"user_id": client.UserID,
		"ride_id": p.ID,
		"lat":     p.Location.Latitude,
		"lng":     p.Location.Longitude,
		"message": p.Message,
	})
}

// handleResync replays the authoritative state of the caller's active
// ride after a reconnect
func (r *Relay) handleResync(ctx context.Context, client *Client) {
	ride, err := r.store.ActiveForUser(ctx, client.UserID)
	if err != nil {
		return
	}

	if client.Role == "driver" && ride.Status == constants.StatusSearching {
		// The offer is still open; replay it
		client.Send(constants.EventNewRideRequest, models.NewRideRequestPayload{
			ID:              ride.ID,
			PassengerID:     ride.PassengerID,
			Pickup:          models.Location{Latitude: ride.PickupLat, Longitude: ride.PickupLng},
			Destination:     models.Location{Latitude: ride.DestLat, Longitude: ride.DestLng},
			Fare:            ride.Fare,
			DistanceKm:      ride.DistanceKm,
			PassengerRating: defaultRating,
			SurgeMultiplier: ride.SurgeMultiplier,
		})
		return
	}

	client.Send(constants.EventRideStatusUpdate, models.RideStatusPayload{
		ID:       ride.ID,
		Status:   ride.Status,
		DriverID: ride.DriverID,
	})
}

// SetSurge records an area multiplier and broadcasts it to drivers
func (r *Relay) SetSurge(area string, multiplier float64) {
	r.mu.Lock()
	if multiplier <= 1.0 {
		delete(r.surge, area)
	} else {
		r.surge[area] = multiplier
	}
	r.mu.Unlock()

	r.hub.BroadcastRole("driver", constants.EventSurgeUpdate, models.SurgePayload{
		Area:       area,
		Multiplier: multiplier,
	})
	r.log.Info("Surge multiplier set",
		logger.String("area", area),
		logger.Float64("multiplier", multiplier))
}

// surgeFor returns the multiplier covering the location, 1.0 when none
func (r *Relay) surgeFor(loc models.Location) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for area, multiplier := range r.surge {
		if geo.AreaContains(area, loc.Latitude, loc.Longitude) {
			return multiplier
		}
	}
	return 1.0
}

// expireDispatch fires when no driver answered in time
func (r *Relay) expireDispatch(rideID, passengerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ride, err := r.store.Get(ctx, rideID)
	if err != nil || ride.Status != constants.StatusSearching {
		return
	}

	targets := r.takeDispatch(rideID)

	if err := r.store.UpdateStatus(ctx, rideID, "expired", ""); err != nil {
		r.log.Error("Failed to expire ride", logger.Err(err))
	}
	for driverID := range targets {
		r.hub.NotifyUser(driverID, constants.EventRequestExpired, models.RequestExpiredPayload{ID: rideID})
	}
	r.hub.NotifyUser(passengerID, constants.EventRideStatusUpdate, models.RideStatusPayload{
		ID:     rideID,
		Status: constants.StatusNoDrivers,
	})
	r.log.Info("Ride request expired", logger.String("ride_id", rideID))
}

// finishSearch ends a searching ride with a terminal status
func (r *Relay) finishSearch(ctx context.Context, rideID, passengerID, status string) {
	if err := r.store.UpdateStatus(ctx, rideID, status, ""); err != nil {
		r.log.Error("Failed to finish search", logger.Err(err))
	}
	r.takeDispatch(rideID)
	r.hub.NotifyUser(passengerID, constants.EventRideStatusUpdate, models.RideStatusPayload{
		ID:     rideID,
		Status: status,
	})
}

// takeDispatch stops the expiry timer and removes the open dispatch
// bookkeeping, returning the drivers that were notified
func (r *Relay) takeDispatch(rideID string) map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer := r.expiry[rideID]; timer != nil {
		timer.Stop()
	}
	targets := r.notified[rideID]
	delete(r.expiry, rideID)
	delete(r.notified, rideID)
	delete(r.rejected, rideID)
	return targets
}

// clearDispatch ends the open dispatch and clears the request from
// every driver except the winner
func (r *Relay) clearDispatch(rideID, winnerID string) {
	for driverID := range r.takeDispatch(rideID) {
		if driverID == winnerID {
			continue
		}
		r.hub.NotifyUser(driverID, constants.EventRequestExpired, models.RequestExpiredPayload{ID: rideID})
	}
}

func (r *Relay) publish(kind string, message interface{}) {
	if r.publisher == nil || r.topic == "" {
		return
	}
	if err := r.publisher.Publish(r.topic, map[string]interface{}{
		"kind":    kind,
		"payload": message,
	}); err != nil {
		r.log.Warn("Publish failed", logger.String("kind", kind), logger.Err(err))
	}
}
