package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/models"
)

// Add inserts a new record. It fails with ErrDuplicateKey if the id exists.
func (s *Store) Add(ctx context.Context, rec models.QueueRecord) error {
	db, err := s.Initialize(ctx)
	if err != nil {
		return err
	}
	return db.InsertRecord(ctx, rec)
}

// GetAll returns every record of kind, synced and unsynced, oldest first.
func (s *Store) GetAll(ctx context.Context, kind models.RecordKind) ([]models.QueueRecord, error) {
	db, err := s.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	return db.ListRecords(ctx, kind, false)
}

// GetUnsynced returns the records of kind with synced = false, oldest first.
func (s *Store) GetUnsynced(ctx context.Context, kind models.RecordKind) ([]models.QueueRecord, error) {
	db, err := s.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	return db.ListRecords(ctx, kind, true)
}

// Put upserts rec. An existing row only ever moves from unsynced to synced;
// payload and timestamp of an existing row are kept.
func (s *Store) Put(ctx context.Context, rec models.QueueRecord) error {
	db, err := s.Initialize(ctx)
	if err != nil {
		return err
	}
	return db.UpsertRecord(ctx, rec)
}

// Get returns the record of kind with id, or nil if there is none.
func (s *Store) Get(ctx context.Context, kind models.RecordKind, id string) (*models.QueueRecord, error) {
	db, err := s.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	return db.GetRecord(ctx, kind, id)
}

// Stats counts pending and synced records per collection.
func (s *Store) Stats(ctx context.Context) (models.PendingStats, error) {
	db, err := s.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	return db.Stats(ctx)
}

// PruneSynced deletes synced records created before cutoff.
func (s *Store) PruneSynced(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.Initialize(ctx)
	if err != nil {
		return 0, err
	}
	return db.PruneSynced(ctx, cutoff)
}

func (db *DB) InsertRecord(ctx context.Context, rec models.QueueRecord) error {
	query, args, err := insertStatement(rec, false)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", ErrDuplicateKey, rec.Kind, rec.ID)
		}
		return fmt.Errorf("failed to insert %s record: %w", rec.Kind, err)
	}
	return nil
}

func (db *DB) UpsertRecord(ctx context.Context, rec models.QueueRecord) error {
	query, args, err := insertStatement(rec, true)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to put %s record: %w", rec.Kind, err)
	}
	return nil
}

func insertStatement(rec models.QueueRecord, upsert bool) (string, []interface{}, error) {
	if rec.ID == "" {
		return "", nil, errors.New("record id is required")
	}

	var (
		query string
		args  []interface{}
	)

	switch rec.Kind {
	case models.KindAttendance:
		query = `INSERT INTO attendance (id, data, timestamp, synced) VALUES (?, ?, ?, ?)`
		args = []interface{}{rec.ID, string(rec.Payload), rec.Timestamp, rec.Synced}
	case models.KindLocation:
		var p models.LocationPayload
		if err := rec.Decode(&p); err != nil {
			return "", nil, fmt.Errorf("decode location payload: %w", err)
		}
		query = `INSERT INTO locations (id, dispatch_id, latitude, longitude, timestamp, synced) VALUES (?, ?, ?, ?, ?, ?)`
		args = []interface{}{rec.ID, p.DispatchID, p.Latitude, p.Longitude, rec.Timestamp, rec.Synced}
	case models.KindRequest:
		var p models.RequestPayload
		if err := rec.Decode(&p); err != nil {
			return "", nil, fmt.Errorf("decode request payload: %w", err)
		}
		var data sql.NullString
		if len(p.Data) > 0 {
			data = sql.NullString{String: string(p.Data), Valid: true}
		}
		query = `INSERT INTO requests (id, url, method, data, timestamp, synced) VALUES (?, ?, ?, ?, ?, ?)`
		args = []interface{}{rec.ID, p.URL, p.Method, data, rec.Timestamp, rec.Synced}
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
	}

	if upsert {
		table := rec.Kind.Collection()
		query += fmt.Sprintf(` ON CONFLICT(id) DO UPDATE SET synced = MAX(%s.synced, excluded.synced)`, table)
	}
	return query, args, nil
}

func selectColumns(kind models.RecordKind) (string, error) {
	switch kind {
	case models.KindAttendance:
		return `SELECT id, data, timestamp, synced FROM attendance`, nil
	case models.KindLocation:
		return `SELECT id, dispatch_id, latitude, longitude, timestamp, synced FROM locations`, nil
	case models.KindRequest:
		return `SELECT id, url, method, data, timestamp, synced FROM requests`, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(kind models.RecordKind, row rowScanner) (models.QueueRecord, error) {
	rec := models.QueueRecord{Kind: kind}

	switch kind {
	case models.KindAttendance:
		var data string
		if err := row.Scan(&rec.ID, &data, &rec.Timestamp, &rec.Synced); err != nil {
			return rec, err
		}
		rec.Payload = json.RawMessage(data)
	case models.KindLocation:
		var p models.LocationPayload
		if err := row.Scan(&rec.ID, &p.DispatchID, &p.Latitude, &p.Longitude, &rec.Timestamp, &rec.Synced); err != nil {
			return rec, err
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return rec, err
		}
		rec.Payload = raw
	case models.KindRequest:
		var (
			p    models.RequestPayload
			data sql.NullString
		)
		if err := row.Scan(&rec.ID, &p.URL, &p.Method, &data, &rec.Timestamp, &rec.Synced); err != nil {
			return rec, err
		}
		if data.Valid && data.String != "" {
			p.Data = json.RawMessage(data.String)
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return rec, err
		}
		rec.Payload = raw
	default:
		return rec, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	return rec, nil
}

func (db *DB) ListRecords(ctx context.Context, kind models.RecordKind, unsyncedOnly bool) ([]models.QueueRecord, error) {
	query, err := selectColumns(kind)
	if err != nil {
		return nil, err
	}
	if unsyncedOnly {
		query += ` WHERE synced = 0`
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", kind, err)
	}
	defer rows.Close()

	records := make([]models.QueueRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", kind, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (db *DB) GetRecord(ctx context.Context, kind models.RecordKind, id string) (*models.QueueRecord, error) {
	query, err := selectColumns(kind)
	if err != nil {
		return nil, err
	}

	rec, err := scanRecord(kind, db.QueryRowContext(ctx, query+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s record %s: %w", kind, id, err)
	}
	return &rec, nil
}

func (db *DB) Stats(ctx context.Context) (models.PendingStats, error) {
	stats := make(models.PendingStats, len(models.Kinds))
	for _, kind := range models.Kinds {
		table := kind.Collection()
		var ks models.KindStats
		query := fmt.Sprintf(`SELECT COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0) FROM %s`, table)
		if err := db.QueryRowContext(ctx, query).Scan(&ks.Pending, &ks.Synced); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = ks
	}
	return stats, nil
}

func (db *DB) PruneSynced(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, kind := range models.Kinds {
		table := kind.Collection()
		res, err := db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE synced = 1 AND timestamp < ?`, table),
			cutoff.UnixMilli())
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		db.logger.Info().Int64("deleted", total).Time("cutoff", cutoff).Msg("pruned synced records")
	}
	return total, nil
}
