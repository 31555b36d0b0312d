package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const summarySheet = "Summary"

// Source is the read side of the queue store.
type Source interface {
	GetAll(ctx context.Context, kind models.RecordKind) ([]models.QueueRecord, error)
	Stats(ctx context.Context) (models.PendingStats, error)
}

// QueueReport renders the local queue as an xlsx workbook: one summary
// sheet and one sheet per collection.
type QueueReport struct {
	src    Source
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

func NewQueueReport(src Source, dir string, logger *zerolog.Logger) *QueueReport {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "export").Logger()
	}
	return &QueueReport{src: src, dir: dir, logger: l, now: time.Now}
}

// WriteTo streams the workbook to w.
func (r *QueueReport) WriteTo(ctx context.Context, w io.Writer) error {
	f, err := r.build(ctx)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// Save writes the workbook into the export directory and returns its path.
func (r *QueueReport) Save(ctx context.Context) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f, err := r.build(ctx)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fileName := fmt.Sprintf("queue_report_%s.xlsx", r.now().Format("20060102_150405"))
	filePath := filepath.Join(r.dir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	r.logger.Info().Str("file_path", filePath).Msg("queue report created")
	return filePath, nil
}

func (r *QueueReport) build(ctx context.Context) (*excelize.File, error) {
	stats, err := r.src.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting queue stats: %w", err)
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		f.Close()
		return nil, err
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})

	_ = f.SetCellValue(summarySheet, "A1", fmt.Sprintf("Generated: %s", r.now().Format(time.RFC3339)))
	_ = f.SetSheetRow(summarySheet, "A2", &[]interface{}{"Collection", "Pending", "Synced"})
	_ = f.SetCellStyle(summarySheet, "A2", "C2", headerStyle)

	row := 3
	for _, kind := range models.Kinds {
		ks := stats[kind.Collection()]
		cell, _ := excelize.CoordinatesToCellName(1, row)
		_ = f.SetSheetRow(summarySheet, cell, &[]interface{}{kind.Collection(), ks.Pending, ks.Synced})
		row++
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 25)

	for _, kind := range models.Kinds {
		if err := ctx.Err(); err != nil {
			f.Close()
			return nil, err
		}
		records, err := r.src.GetAll(ctx, kind)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("error getting %s records: %w", kind, err)
		}
		if err := writeKindSheet(f, kind, records, headerStyle); err != nil {
			f.Close()
			return nil, err
		}
	}

	f.SetActiveSheet(0)
	return f, nil
}

func writeKindSheet(f *excelize.File, kind models.RecordKind, records []models.QueueRecord, headerStyle int) error {
	sheet := kind.Collection()
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}

	headers := kindHeaders(kind)
	_ = f.SetSheetRow(sheet, "A1", &headers)
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	_ = f.SetCellStyle(sheet, "A1", last, headerStyle)
	_ = f.SetColWidth(sheet, "A", "A", 50)
	_ = f.SetColWidth(sheet, "B", "B", 22)

	for i, rec := range records {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		values := recordRow(rec)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("error writing %s row: %w", kind, err)
		}
	}
	return nil
}

func kindHeaders(kind models.RecordKind) []interface{} {
	base := []interface{}{"ID", "Created", "Synced"}
	switch kind {
	case models.KindAttendance:
		return append(base, "Worker", "Check in", "Check out", "Method")
	case models.KindLocation:
		return append(base, "Dispatch", "Latitude", "Longitude")
	case models.KindRequest:
		return append(base, "Method", "URL")
	}
	return base
}

func recordRow(rec models.QueueRecord) []interface{} {
	synced := "no"
	if rec.Synced {
		synced = "yes"
	}
	row := []interface{}{rec.ID, rec.CreatedAt().UTC().Format("2006-01-02 15:04:05"), synced}

	switch rec.Kind {
	case models.KindAttendance:
		var p models.AttendancePayload
		if err := rec.Decode(&p); err == nil {
			row = append(row, p.WorkerID, p.CheckIn, p.CheckOut, p.Method)
		}
	case models.KindLocation:
		var p models.LocationPayload
		if err := rec.Decode(&p); err == nil {
			row = append(row, p.DispatchID, p.Latitude, p.Longitude)
		}
	case models.KindRequest:
		var p models.RequestPayload
		if err := rec.Decode(&p); err == nil {
			row = append(row, p.Method, p.URL)
		}
	}
	return row
}
