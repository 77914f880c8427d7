package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clickbit/internal/app/user"
)

const userColumns = "id, email, first_name, last_name, role, status, password_hash, created_at, updated_at"

// PostgresUserStore implements user.Store on a pgx pool.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

// NewPostgresUserStore wraps an open pool. The store owns the pool from now on.
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

func (s *PostgresUserStore) FindByID(ctx context.Context, id int64) (*user.User, error) {
	return s.findOne(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
}

func (s *PostgresUserStore) FindByEmail(ctx context.Context, email string) (*user.User, error) {
	return s.findOne(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", strings.ToLower(strings.TrimSpace(email)))
}

func (s *PostgresUserStore) findOne(ctx context.Context, query string, arg any) (*user.User, error) {
	var u user.User
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Role, &u.Status, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// Create inserts u and fills in its id and timestamps.
func (s *PostgresUserStore) Create(ctx context.Context, u *user.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))

	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, first_name, last_name, role, status, password_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		u.Email, u.FirstName, u.LastName, u.Role, u.Status, u.PasswordHash,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) Close() error {
	s.pool.Close()
	return nil
}
