/*
Package jwt signs and verifies the HS256 bearer tokens issued at login and
presented again over the presence socket.
*/
package jwt

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"clickbit/internal/pkg/errs"
)

const (
	// UserIdentityExpiration is the lifetime of a login token.
	UserIdentityExpiration = 24 * time.Hour

	// TokenIssuer identifies tokens minted by this server.
	TokenIssuer = "ClickBIT-Server"
)

// GenerateToken signs payload with secretKey, valid for duration.
func GenerateToken(payload *Payload, secretKey string, duration time.Duration) (string, error) {
	now := time.Now()

	payload.StandardClaims = jwt.StandardClaims{
		ExpiresAt: now.Add(duration).Unix(),
		IssuedAt:  now.Unix(),
		Issuer:    TokenIssuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)

	return token.SignedString([]byte(secretKey))
}

// ParseToken validates signature and expiry and returns the claims.
// Failures are reported as *errs.CustomError: ErrTokenMissing,
// ErrTokenExpired or ErrTokenInvalid.
func ParseToken(tokenString string, secretKey string) (*Payload, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, errs.NewError(errs.ErrTokenMissing)
	}

	claims := &Payload{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secretKey), nil
	})

	if err != nil {
		var validationErr *jwt.ValidationError
		if errors.As(err, &validationErr) && validationErr.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, errs.NewError(errs.ErrTokenExpired)
		}
		return nil, errs.NewError(errs.ErrTokenInvalid)
	}

	if !token.Valid || claims.UserID <= 0 {
		return nil, errs.NewError(errs.ErrTokenInvalid)
	}

	return claims, nil
}

// Verifier checks tokens against a fixed secret.
type Verifier struct {
	secretKey string
}

// NewVerifier returns a Verifier for secretKey.
func NewVerifier(secretKey string) *Verifier {
	return &Verifier{secretKey: secretKey}
}

// Verify implements presence.TokenVerifier.
func (v *Verifier) Verify(token string) (*Payload, error) {
	return ParseToken(token, v.secretKey)
}
