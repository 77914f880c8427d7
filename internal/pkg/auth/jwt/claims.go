package jwt

import "github.com/golang-jwt/jwt"

// Payload is the claim set carried by ClickBIT bearer tokens.
type Payload struct {
	jwt.StandardClaims

	// UserID is the numeric id of the user in the user store.
	UserID int64 `json:"uid"`

	// Email is informational only; the user store stays authoritative.
	Email string `json:"email,omitempty"`

	// Role is the role at issue time ("customer", "admin", ...).
	Role string `json:"role,omitempty"`
}
