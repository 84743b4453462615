package models

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v4"
)

// WSMessage represents a WebSocket message structure
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WSErrorMessage represents an error message sent over WebSocket
type WSErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Identity is the connection identity presented at connect time
type Identity struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	Platform string `json:"platform"`
}

// IdentityClaims are the JWT claims carried by the connect token
type IdentityClaims struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	Platform string `json:"platform"`
	jwt.RegisteredClaims
}
