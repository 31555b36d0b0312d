package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fieldsync/internal/models"
)

// PutBiometric stores the entry for its worker, replacing any earlier one.
func (s *Store) PutBiometric(ctx context.Context, entry models.BiometricEntry) error {
	db, err := s.Initialize(ctx)
	if err != nil {
		return err
	}
	return db.UpsertBiometric(ctx, entry)
}

// GetBiometric returns the cached entry for workerID, or nil if absent.
func (s *Store) GetBiometric(ctx context.Context, workerID string) (*models.BiometricEntry, error) {
	db, err := s.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	return db.GetBiometric(ctx, workerID)
}

func (db *DB) UpsertBiometric(ctx context.Context, entry models.BiometricEntry) error {
	if entry.WorkerID == "" {
		return errors.New("worker id is required")
	}

	query := `
        INSERT INTO biometrics (worker_id, face_encoding, fingerprint_template, timestamp)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(worker_id) DO UPDATE SET
            face_encoding = excluded.face_encoding,
            fingerprint_template = excluded.fingerprint_template,
            timestamp = excluded.timestamp
    `
	_, err := db.ExecContext(ctx, query,
		entry.WorkerID,
		nullString(entry.FaceEncoding),
		nullString(entry.FingerprintTemplate),
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to put biometric entry: %w", err)
	}
	return nil
}

func (db *DB) GetBiometric(ctx context.Context, workerID string) (*models.BiometricEntry, error) {
	query := `SELECT worker_id, face_encoding, fingerprint_template, timestamp FROM biometrics WHERE worker_id = ?`

	var (
		entry    models.BiometricEntry
		face, fp sql.NullString
	)
	err := db.QueryRowContext(ctx, query, workerID).Scan(&entry.WorkerID, &face, &fp, &entry.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get biometric entry: %w", err)
	}

	if face.Valid {
		entry.FaceEncoding = &face.String
	}
	if fp.Valid {
		entry.FingerprintTemplate = &fp.String
	}
	return &entry, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
