package database

import (
	"context"
	"testing"
	"time"

	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	logger := zerolog.Nop()
	store := NewStore(":memory:", &logger)
	t.Cleanup(func() { store.Close() })
	return store
}

func newAttendance(t *testing.T, workerID string, at time.Time) models.QueueRecord {
	t.Helper()
	rec, err := models.NewRecord(models.KindAttendance, models.AttendancePayload{
		WorkerID: workerID,
		CheckIn:  at.UTC().Format(time.RFC3339),
	}, at)
	require.NoError(t, err)
	return rec
}

func newLocation(t *testing.T, dispatchID string, lat, lon float64, at time.Time) models.QueueRecord {
	t.Helper()
	rec, err := models.NewRecord(models.KindLocation, models.LocationPayload{
		DispatchID: dispatchID,
		Latitude:   lat,
		Longitude:  lon,
	}, at)
	require.NoError(t, err)
	return rec
}

func failingOpener(err error) Opener {
	return func(context.Context) (*DB, error) {
		return nil, err
	}
}
