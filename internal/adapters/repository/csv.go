package repository

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/pkg/metrics"
)

// Timestamp layouts accepted by ImportCSV, tried in order.
var importLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ImportResult summarizes an import.
type ImportResult struct {
	Lines        int
	Imported     int
	UsersCreated int
	Skipped      int
	// Errors holds up to maxImportErrors line errors.
	Errors []error
}

const maxImportErrors = 20

type importConfig struct {
	loc      *time.Location
	progress func(line int)
}

// ImportOption configures ImportCSV.
type ImportOption func(*importConfig)

// WithLocation sets the zone for timestamps without an offset.
func WithLocation(loc *time.Location) ImportOption {
	return func(c *importConfig) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithProgress is called after every processed line.
func WithProgress(fn func(line int)) ImportOption {
	return func(c *importConfig) {
		c.progress = fn
	}
}

// ImportCSV reads name,timestamp lines, creating users as needed and storing
// one present record per line. Malformed lines are skipped and reported.
func ImportCSV(ctx context.Context, s Store, r io.Reader, opts ...ImportOption) (ImportResult, error) {
	cfg := importConfig{loc: time.Local}
	for _, opt := range opts {
		opt(&cfg)
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var res ImportResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		res.Lines++
		if cfg.progress != nil {
			cfg.progress(res.Lines)
		}
		if err != nil {
			res.skip(fmt.Errorf("line %d: %w", res.Lines, err))
			continue
		}
		if res.Lines == 1 && isHeader(row) {
			continue
		}
		if len(row) < 2 || strings.TrimSpace(row[0]) == "" || strings.TrimSpace(row[1]) == "" {
			res.skip(fmt.Errorf("line %d: %w: want name,timestamp", res.Lines, ErrInvalidInput))
			continue
		}
		at, err := parseTimestamp(strings.TrimSpace(row[1]), cfg.loc)
		if err != nil {
			res.skip(fmt.Errorf("line %d: %w", res.Lines, err))
			continue
		}

		u, created, err := s.EnsureUser(ctx, row[0])
		if err != nil {
			return res, fmt.Errorf("line %d: %w", res.Lines, err)
		}
		if created {
			res.UsersCreated++
		}
		if _, err := s.InsertAttendance(ctx, NewAttendance{
			Identity: u.ID,
			MarkedAt: at,
			Status:   model.StatusPresent,
		}); err != nil {
			return res, fmt.Errorf("line %d: %w", res.Lines, err)
		}
		res.Imported++
		metrics.RecordAttendance("import")
	}
	return res, nil
}

func (r *ImportResult) skip(err error) {
	r.Skipped++
	if len(r.Errors) < maxImportErrors {
		r.Errors = append(r.Errors, err)
	}
}

func isHeader(row []string) bool {
	return len(row) >= 2 &&
		strings.EqualFold(strings.TrimSpace(row[0]), "name") &&
		strings.EqualFold(strings.TrimSpace(row[1]), "timestamp")
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range importLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidInput, s)
}

// ExportHeader is the first row written by WriteCSV.
var ExportHeader = []string{"id", "name", "role", "timestamp", "status", "confidence"}

// WriteCSV writes views as CSV with ExportHeader.
func WriteCSV(w io.Writer, views []model.AttendanceView) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return err
	}
	for _, v := range views {
		conf := ""
		if v.Confidence != nil {
			conf = strconv.FormatFloat(*v.Confidence, 'f', 2, 64)
		}
		if err := cw.Write([]string{
			string(v.ID),
			v.Name,
			string(v.Role),
			v.MarkedAt.Format(time.RFC3339),
			string(v.Status),
			conf,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
