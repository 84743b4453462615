package simserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/openhail/ridesync/internal/pkg/constants"
	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/pkg/models"
)

// Client is one authenticated WebSocket session
type Client struct {
	models.Identity

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Send writes an event envelope to the client
func (c *Client) Send(event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("error marshaling message data: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(models.WSMessage{Event: event, Data: raw})
}

// SendError writes an error envelope to the client
func (c *Client) SendError(code, message string) error {
	return c.Send(constants.EventError, models.WSErrorMessage{Code: code, Message: message})
}

// Hub manages connected WebSocket sessions indexed by user and role
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byRole  map[string]map[string]*Client

	jwtCfg   models.JWTConfig
	upgrader websocket.Upgrader
	log      *logger.ZapLogger
}

// NewHub creates a connection hub
func NewHub(jwtCfg models.JWTConfig, log *logger.ZapLogger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		byRole:  make(map[string]map[string]*Client),
		jwtCfg:  jwtCfg,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection authenticates, upgrades and serves one connection.
// handleClient runs until the connection drops.
func (h *Hub) HandleConnection(c echo.Context, handleClient func(*Client) error) error {
	identity, err := h.authenticate(c)
	if err != nil {
		return err
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	client := &Client{Identity: identity, conn: ws}
	h.add(client)
	defer h.remove(client.UserID)

	h.log.Info("Client connected",
		logger.String("user_id", identity.UserID),
		logger.String("role", identity.Role),
		logger.String("platform", identity.Platform))

	return handleClient(client)
}

// authenticate resolves the connection identity. With a configured secret
// the bearer token is authoritative; without one the query parameters are
// trusted as-is (local simulation).
func (h *Hub) authenticate(c echo.Context) (models.Identity, error) {
	if h.jwtCfg.Secret == "" {
		identity := models.Identity{
			UserID:   c.QueryParam("userId"),
			Role:     c.QueryParam("role"),
			Platform: c.QueryParam("platform"),
		}
		if identity.UserID == "" || identity.Role == "" {
			return models.Identity{}, echo.NewHTTPError(http.StatusBadRequest, "userId and role are required")
		}
		return identity, nil
	}

	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return models.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "Authorization header is required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return models.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization format")
	}

	claims, err := h.validateToken(parts[1])
	if err != nil {
		h.log.Warn("Token validation failed", logger.Err(err))
		return models.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
	}

	return models.Identity{
		UserID:   claims.UserID,
		Role:     claims.Role,
		Platform: claims.Platform,
	}, nil
}

func (h *Hub) validateToken(tokenString string) (*models.IdentityClaims, error) {
	claims := &models.IdentityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.jwtCfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.UserID] = client
	if h.byRole[client.Role] == nil {
		h.byRole[client.Role] = make(map[string]*Client)
	}
	h.byRole[client.Role][client.UserID] = client
}

func (h *Hub) remove(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.clients[userID]
	if !ok {
		return
	}
	delete(h.clients, userID)
	if peers := h.byRole[client.Role]; peers != nil {
		delete(peers, userID)
	}
}

// Get returns a connected client by user ID
func (h *Hub) Get(userID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[userID]
	return client, ok
}

// Role returns all connected clients with the given role
func (h *Hub) Role(role string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.byRole[role]))
	for _, client := range h.byRole[role] {
		out = append(out, client)
	}
	return out
}

// NotifyUser sends an event to a specific connected user, if present
func (h *Hub) NotifyUser(userID, event string, data interface{}) {
	client, ok := h.Get(userID)
	if !ok {
		return
	}
	if err := client.Send(event, data); err != nil {
		h.log.Warn("Error sending message to client",
			logger.String("user_id", userID),
			logger.Err(err))
	}
}

// BroadcastRole sends an event to every connected client with the role
func (h *Hub) BroadcastRole(role, event string, data interface{}) {
	for _, client := range h.Role(role) {
		if err := client.Send(event, data); err != nil {
			h.log.Warn("Error broadcasting to client",
				logger.String("user_id", client.UserID),
				logger.Err(err))
		}
	}
}
