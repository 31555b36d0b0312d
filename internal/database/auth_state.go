package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const authTokenKey = "auth_token"

// LoadToken returns the persisted bearer token, or "" if none is stored.
func (s *Store) LoadToken(ctx context.Context) (string, error) {
	db, err := s.Initialize(ctx)
	if err != nil {
		return "", err
	}

	var token string
	err = db.QueryRowContext(ctx, `SELECT value FROM auth_state WHERE key = ?`, authTokenKey).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load auth token: %w", err)
	}
	return token, nil
}

// SaveToken persists the bearer token.
func (s *Store) SaveToken(ctx context.Context, token string) error {
	db, err := s.Initialize(ctx)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO auth_state (key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
    `
	if _, err := db.ExecContext(ctx, query, authTokenKey, token, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save auth token: %w", err)
	}
	return nil
}

// ClearAuth removes all persisted auth state.
func (s *Store) ClearAuth(ctx context.Context) error {
	db, err := s.Initialize(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM auth_state`); err != nil {
		return fmt.Errorf("failed to clear auth state: %w", err)
	}
	return nil
}
