/*
Package user holds the user record the presence layer authenticates against
and the minimal Profile that travels over the wire.
*/
package user

import (
	"context"
	"strings"
	"time"

	"clickbit/internal/pkg/errs"
)

// Account statuses. Only StatusActive may open an authenticated session.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

// Roles known to the server. Unknown roles are still accepted in profiles.
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// Profile is the public identity exchanged in presence events.
type Profile struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

// Validate rejects profiles that cannot identify a user.
func (p Profile) Validate() *errs.CustomError {
	if p.ID <= 0 || strings.TrimSpace(p.Email) == "" || strings.TrimSpace(p.Role) == "" {
		return errs.NewError(errs.ErrInvalidProfile)
	}
	return nil
}

// DisplayName is the first and last name joined, falling back to the email.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.Email
	}
	return name
}

// User is a persisted account.
type User struct {
	ID           int64
	Email        string
	FirstName    string
	LastName     string
	Role         string
	Status       string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsActive reports whether the account may hold a session.
func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// Profile projects the record onto its public fields.
func (u *User) Profile() Profile {
	return Profile{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
	}
}

// Store looks users up. Find methods return (nil, nil) when no user matches.
type Store interface {
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, u *User) error
	Close() error
}
