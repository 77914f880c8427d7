/*
Package protocol defines the presence wire format shared by the server
registry and the client connection controller.

Every frame is a JSON text message of the form {"type": ..., "payload": ...}.
*/
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"clickbit/internal/app/user"
)

// Client to server events.
const (
	EventAuthenticate = "authenticate"
	EventUserLogin    = "user_login"
	EventUserLogout   = "user_logout"
	EventPing         = "ping"
)

// Server to client events.
const (
	EventConnected     = "connected"
	EventAuthenticated = "authenticated"
	EventAuthError     = "auth_error"
	EventLoginSuccess  = "login_success"
	EventLoggedOut     = "logged_out"
	EventPong          = "pong"
)

// Envelope is one frame on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthenticatePayload carries the bearer token of an authenticate event.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// UserPayload carries the profile of a user_login event.
type UserPayload struct {
	User user.Profile `json:"user"`
}

type ConnectedPayload struct {
	SocketID  string    `json:"socketId"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionPayload acknowledges authenticated and login_success.
type SessionPayload struct {
	User      user.Profile `json:"user"`
	Timestamp time.Time    `json:"timestamp"`
}

type AuthErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// TimestampPayload is the body of logged_out and pong.
type TimestampPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// Encode builds a frame for event. A nil payload is omitted.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Type: event}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = raw
	}

	return json.Marshal(env)
}

// Decode parses a frame. Frames without a type are rejected.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals the payload of env into dst. An empty payload is an error.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", env.Type, err)
	}
	return nil
}
