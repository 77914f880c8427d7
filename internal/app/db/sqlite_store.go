package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"clickbit/internal/app/user"
)

// SQLiteUserStore implements user.Store on SQLite.
type SQLiteUserStore struct {
	db *sql.DB
}

// NewSQLiteUserStore opens dsn and applies migrations. ":memory:" opens a
// private in-memory database.
func NewSQLiteUserStore(dsn string) (*SQLiteUserStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if dsn == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := runMigrations(db, "sqlite3", "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteUserStore{db: db}, nil
}

func (s *SQLiteUserStore) FindByID(ctx context.Context, id int64) (*user.User, error) {
	return s.findOne(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
}

func (s *SQLiteUserStore) FindByEmail(ctx context.Context, email string) (*user.User, error) {
	return s.findOne(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (s *SQLiteUserStore) findOne(ctx context.Context, query string, arg any) (*user.User, error) {
	var u user.User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Role, &u.Status, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (s *SQLiteUserStore) Create(ctx context.Context, u *user.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, first_name, last_name, role, status, password_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.Email, u.FirstName, u.LastName, u.Role, u.Status, u.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read user id: %w", err)
	}

	stored, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("user %d vanished after insert", id)
	}

	u.ID = stored.ID
	u.CreatedAt = stored.CreatedAt
	u.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *SQLiteUserStore) Close() error {
	return s.db.Close()
}
