package worker

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/database"
	"fieldsync/internal/models"
	"fieldsync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu          sync.Mutex
	attendance  [][]models.AttendanceSyncRecord
	locations   [][]models.LocationSyncRecord
	replays     []string
	err         error
	replayErrs  map[string]error
	onReplay    func(key string)
	block       chan struct{}
	entered     chan struct{}
	enteredOnce sync.Once
}

func (f *fakeRemote) wait() {
	if f.entered != nil {
		f.enteredOnce.Do(func() { close(f.entered) })
	}
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeRemote) SyncAttendance(_ context.Context, records []models.AttendanceSyncRecord) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attendance = append(f.attendance, records)
	return f.err
}

func (f *fakeRemote) SyncLocations(_ context.Context, records []models.LocationSyncRecord) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, records)
	return f.err
}

func (f *fakeRemote) Replay(_ context.Context, key string, _ models.RequestPayload) error {
	if f.onReplay != nil {
		f.onReplay(key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replays = append(f.replays, key)
	if err, ok := f.replayErrs[key]; ok {
		return err
	}
	return f.err
}

func (f *fakeRemote) Ping(context.Context) error { return nil }

func (f *fakeRemote) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRemote) attendanceCalls() [][]models.AttendanceSyncRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]models.AttendanceSyncRecord(nil), f.attendance...)
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attendance) + len(f.locations) + len(f.replays)
}

type countingLock struct {
	*repository.MemorySyncLock
	mu      sync.Mutex
	extends int
}

func (l *countingLock) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	l.extends++
	l.mu.Unlock()
	return l.MemorySyncLock.Extend(ctx, key, owner, ttl)
}

func (l *countingLock) extendCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extends
}

type fakeConn struct {
	online atomic.Bool
}

func (c *fakeConn) Online() bool { return c.online.Load() }

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	logger := zerolog.New(io.Discard)
	store := database.NewStore(":memory:", &logger)
	t.Cleanup(func() { store.Close() })
	return store
}

func addRecord(t *testing.T, store *database.Store, kind models.RecordKind, payload any) models.QueueRecord {
	t.Helper()
	rec, err := models.NewRecord(kind, payload, timeNow())
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), rec))
	return rec
}

func unsynced(t *testing.T, store *database.Store, kind models.RecordKind) int {
	t.Helper()
	recs, err := store.GetUnsynced(context.Background(), kind)
	require.NoError(t, err)
	return len(recs)
}
