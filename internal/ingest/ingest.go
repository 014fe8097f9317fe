// Package ingest implements the CSV import pipeline for glucose-meter
// export files. An export carries a handful of metadata rows, then a wide
// header row, then one measurement per row. Rows are frequently dirty
// (blank cells, truncated lines), so the pipeline tolerates bad rows and
// only fails the whole file for structural problems.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// headerFieldCount is the width of the header row in meter exports.
	// Metadata rows preceding the header have a different width and are
	// discarded during the header scan.
	headerFieldCount = 19

	timestampColumn = "Gerätezeitstempel"
	valueColumn     = "Glukosewert-Verlauf mg/dL"

	// timestampLayout is day-month-year, 24-hour clock, no seconds.
	timestampLayout = "02-01-2006 15:04"
)

var (
	// ErrUnsupportedFormat rejects files without a .csv extension before
	// any parsing is attempted.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrDecode indicates the file content is not valid UTF-8.
	ErrDecode = errors.New("file content is not valid UTF-8")
	// ErrMissingColumns indicates the header row is absent or lacks a
	// required column. Nothing is persisted in that case.
	ErrMissingColumns = errors.New("required columns not found")
	// ErrPersistence indicates the sink failed; the batch is lost as a
	// whole even though individual rows parsed successfully.
	ErrPersistence = errors.New("failed to persist imported records")
)

// Record is a parsed measurement ready to be persisted.
type Record struct {
	UserID    string
	Timestamp time.Time
	Value     float64
}

// RecordSink buffers records for write. Commit durably persists all
// appended records as a single unit; it must fail atomically.
type RecordSink interface {
	Append(ctx context.Context, record Record) error
	Commit(ctx context.Context) error
}

// RowFailure describes a data row that could not be parsed. Row failures
// never abort the import.
type RowFailure struct {
	Line   int
	Reason string
}

// Result summarises one import call.
type Result struct {
	UserID   string
	Accepted int
	Failures []RowFailure
}

// Skipped reports how many rows were dropped for parse failures.
func (r Result) Skipped() int {
	return len(r.Failures)
}

// Ingest parses raw CSV bytes from an uploaded file and appends one record
// per well-formed row to sink, committing once at the end. The user ID is
// the file's base name up to the first dot. Structural problems (bad
// extension, undecodable bytes, missing header or columns, commit failure)
// fail the whole call; bad data rows are collected in the result instead.
func Ingest(ctx context.Context, fileName string, raw []byte, sink RecordSink) (Result, error) {
	if !strings.HasSuffix(fileName, ".csv") {
		return Result{}, ErrUnsupportedFormat
	}
	if !utf8.Valid(raw) {
		return Result{}, ErrDecode
	}

	result := Result{UserID: userIDFromFileName(fileName)}

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1

	header, line, err := scanHeader(reader)
	if err != nil {
		return result, err
	}

	tsIdx, ok := columnIndex(header, timestampColumn)
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrMissingColumns, timestampColumn)
	}
	valIdx, ok := columnIndex(header, valueColumn)
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrMissingColumns, valueColumn)
	}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			result.Failures = append(result.Failures, RowFailure{Line: line, Reason: err.Error()})
			continue
		}

		ts, value, status, reason := parseRow(row, tsIdx, valIdx)
		switch status {
		case rowBlank:
			continue
		case rowFailed:
			result.Failures = append(result.Failures, RowFailure{Line: line, Reason: reason})
			continue
		}

		record := Record{UserID: result.UserID, Timestamp: ts, Value: value}
		if err := sink.Append(ctx, record); err != nil {
			return result, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		result.Accepted++
	}

	if err := sink.Commit(ctx); err != nil {
		return result, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return result, nil
}

// userIDFromFileName returns the base name up to the first dot. A name
// like "alice.v2.csv" yields "alice"; callers rely on this exact rule.
func userIDFromFileName(fileName string) string {
	base := path.Base(fileName)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}

// scanHeader discards rows until it finds the first one with exactly
// headerFieldCount fields and returns it together with its line number.
// Reaching EOF without such a row means the file has no usable header.
func scanHeader(reader *csv.Reader) ([]string, int, error) {
	line := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil, line, ErrMissingColumns
		}
		line++
		if err != nil {
			// Malformed metadata rows are not candidates for the header.
			continue
		}
		if len(row) == headerFieldCount {
			return row, line, nil
		}
	}
}

// columnIndex resolves a column by exact name match against the header.
func columnIndex(header []string, name string) (int, bool) {
	for i, h := range header {
		if h == name {
			return i, true
		}
	}
	return 0, false
}

type rowStatus int

const (
	rowAccepted rowStatus = iota
	rowBlank
	rowFailed
)

// parseRow extracts the timestamp and value fields from a data row. A row
// shorter than a resolved index counts as blank for that field. Blank
// fields mean the row carries no measurement and is dropped silently;
// non-blank fields that fail to parse are reported as a row failure.
func parseRow(row []string, tsIdx, valIdx int) (time.Time, float64, rowStatus, string) {
	tsField := fieldAt(row, tsIdx)
	valField := fieldAt(row, valIdx)
	if tsField == "" || valField == "" {
		return time.Time{}, 0, rowBlank, ""
	}

	ts, err := time.Parse(timestampLayout, tsField)
	if err != nil {
		return time.Time{}, 0, rowFailed, fmt.Sprintf("invalid timestamp %q", tsField)
	}
	value, err := strconv.ParseFloat(valField, 64)
	if err != nil {
		return time.Time{}, 0, rowFailed, fmt.Sprintf("invalid glucose value %q", valField)
	}
	return ts, value, rowAccepted, ""
}

func fieldAt(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
