package export

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeSource struct {
	records map[models.RecordKind][]models.QueueRecord
	err     error
}

func (s *fakeSource) GetAll(_ context.Context, kind models.RecordKind) ([]models.QueueRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.records[kind], nil
}

func (s *fakeSource) Stats(_ context.Context) (models.PendingStats, error) {
	stats := models.PendingStats{}
	for _, kind := range models.Kinds {
		var ks models.KindStats
		for _, rec := range s.records[kind] {
			if rec.Synced {
				ks.Synced++
			} else {
				ks.Pending++
			}
		}
		stats[kind.Collection()] = ks
	}
	return stats, nil
}

func mustRecord(t *testing.T, kind models.RecordKind, payload any, synced bool) models.QueueRecord {
	t.Helper()
	rec, err := models.NewRecord(kind, payload, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	rec.Synced = synced
	return rec
}

func newSource(t *testing.T) *fakeSource {
	return &fakeSource{records: map[models.RecordKind][]models.QueueRecord{
		models.KindAttendance: {
			mustRecord(t, models.KindAttendance, models.AttendancePayload{WorkerID: "w-1", CheckIn: "08:00", Method: "face"}, false),
			mustRecord(t, models.KindAttendance, models.AttendancePayload{WorkerID: "w-2", CheckIn: "08:05"}, true),
		},
		models.KindLocation: {
			mustRecord(t, models.KindLocation, models.LocationPayload{DispatchID: "d-1", Latitude: 1.5, Longitude: 2.5}, false),
		},
	}}
}

func TestQueueReport_WriteTo(t *testing.T) {
	report := NewQueueReport(newSource(t), t.TempDir(), nil)

	var buf bytes.Buffer
	require.NoError(t, report.WriteTo(context.Background(), &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Summary", "attendance", "locations", "requests"}, f.GetSheetList())

	rows, err := f.GetRows("Summary")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, []string{"attendance", "1", "1"}, rows[2])
	assert.Equal(t, []string{"locations", "1", "0"}, rows[3])

	att, err := f.GetRows("attendance")
	require.NoError(t, err)
	require.Len(t, att, 3)
	assert.Equal(t, "Worker", att[0][3])
	assert.Equal(t, "w-1", att[1][3])
	assert.Equal(t, "no", att[1][2])
	assert.Equal(t, "yes", att[2][2])

	dispatch, err := f.GetCellValue("locations", "D2")
	require.NoError(t, err)
	assert.Equal(t, "d-1", dispatch)
}

func TestQueueReport_Save(t *testing.T) {
	dir := t.TempDir()
	report := NewQueueReport(newSource(t), dir, nil)
	report.now = func() time.Time { return time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC) }

	path, err := report.Save(context.Background())
	require.NoError(t, err)
	assert.Contains(t, path, "queue_report_20260302_103000.xlsx")

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestQueueReport_SourceError(t *testing.T) {
	src := newSource(t)
	src.err = errors.New("disk gone")
	report := NewQueueReport(src, t.TempDir(), nil)

	var buf bytes.Buffer
	err := report.WriteTo(context.Background(), &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}
