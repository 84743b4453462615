package simserver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/pkg/models"
)

// Server is the backend simulator: a single process exposing the
// WebSocket endpoint plus a small control API
type Server struct {
	echo  *echo.Echo
	hub   *Hub
	relay *Relay
	log   *logger.ZapLogger
	port  int
}

// NewServer wires the hub, relay and HTTP routes
func NewServer(cfg models.SimConfig, jwtCfg models.JWTConfig, presence Presence, store RideStore, publisher Publisher, log *logger.ZapLogger) *Server {
	hub := NewHub(jwtCfg, log)
	relay := NewRelay(hub, presence, store, publisher, cfg.NSQTopic, log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:  e,
		hub:   hub,
		relay: relay,
		log:   log,
		port:  cfg.Port,
	}

	e.GET("/ws", s.handleWS)
	e.POST("/surge", s.handleSurge)
	e.GET("/health", s.handleHealth)

	return s
}

// Relay exposes the event router, mainly for tests and control tooling
func (s *Server) Relay() *Relay {
	return s.relay
}

// Echo exposes the underlying HTTP handler
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleWS(c echo.Context) error {
	return s.hub.HandleConnection(c, func(client *Client) error {
		return s.readLoop(c.Request().Context(), client)
	})
}

// readLoop pumps inbound envelopes into the relay until the socket drops
func (s *Server) readLoop(ctx context.Context, client *Client) error {
	for {
		var msg models.WSMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			s.log.Info("Client disconnected",
				logger.String("user_id", client.UserID),
				logger.Err(err))
			return nil
		}
		s.relay.HandleMessage(ctx, client, msg)
	}
}

type surgeRequest struct {
	Area       string  `json:"area"`
	Multiplier float64 `json:"multiplier"`
}

func (s *Server) handleSurge(c echo.Context) error {
	var req surgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid surge payload")
	}
	if req.Area == "" || req.Multiplier <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "area and a positive multiplier are required")
	}

	s.relay.SetSurge(req.Area, req.Multiplier)
	return c.JSON(http.StatusOK, map[string]string{
		"area":       req.Area,
		"multiplier": strconv.FormatFloat(req.Multiplier, 'f', -1, 64),
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start runs the server until an interrupt or SIGTERM arrives, then
// shuts down gracefully
func (s *Server) Start() error {
	go func() {
		addr := fmt.Sprintf(":%d", s.port)
		s.log.Info("Starting HTTP server", logger.String("address", addr))

		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.log.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	sig := <-quit
	s.log.Info("Received shutdown signal", logger.String("signal", sig.String()))

	return s.Shutdown()
}

// Shutdown stops accepting connections and drains with a timeout
func (s *Server) Shutdown() error {
	s.log.Info("Shutting down server gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("Server forced to shutdown", logger.Err(err))
		return err
	}

	s.log.Info("Server shutdown completed")
	return nil
}
