// Package domain defines the business logic for the glucose service.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"example.com/glucose/internal/ingest"
)

var (
	// ErrLevelNotFound is returned when a glucose level cannot be located.
	ErrLevelNotFound = errors.New("glucose level not found")
	// ErrDuplicateLevel indicates a record already exists for the same
	// user and timestamp on the single-record create path.
	ErrDuplicateLevel = errors.New("glucose level already exists for user and timestamp")
	// ErrInvalidSort rejects sort parameters naming a field outside the
	// allow-list.
	ErrInvalidSort = errors.New("invalid sort field")
)

// Sort is a validated ordering instruction for list queries.
type Sort struct {
	Field      string
	Descending bool
}

// sortFields is the allow-list of fields a caller may order by. Anything
// else is rejected rather than silently ignored.
var sortFields = map[string]struct{}{
	"id":            {},
	"user_id":       {},
	"timestamp":     {},
	"glucose_value": {},
}

// ParseSort parses a "<field>.<asc|desc>" token. A bare field name sorts
// ascending. The empty token falls back to timestamp descending.
func ParseSort(token string) (Sort, error) {
	if strings.TrimSpace(token) == "" {
		return Sort{Field: "timestamp", Descending: true}, nil
	}

	field := token
	descending := false
	if i := strings.LastIndexByte(token, '.'); i >= 0 {
		switch token[i+1:] {
		case "asc":
			field = token[:i]
		case "desc":
			field = token[:i]
			descending = true
		default:
			return Sort{}, fmt.Errorf("%w: %s", ErrInvalidSort, token)
		}
	}

	if _, ok := sortFields[field]; !ok {
		return Sort{}, fmt.Errorf("%w: %s", ErrInvalidSort, field)
	}
	return Sort{Field: field, Descending: descending}, nil
}

// ListQuery captures filtering, pagination and ordering for a list call.
type ListQuery struct {
	UserID   string
	Start    *time.Time
	Stop     *time.Time
	Page     int
	PageSize int
	Sort     Sort
}

// Offset converts page/page_size into a row offset.
func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// ImportBatch buffers records for a single import transaction.
type ImportBatch interface {
	ingest.RecordSink
	Rollback(ctx context.Context) error
}

// LevelRepository captures persistence operations for glucose levels.
type LevelRepository interface {
	Insert(ctx context.Context, level GlucoseLevel) (GlucoseLevel, error)
	Get(ctx context.Context, id int64) (*GlucoseLevel, error)
	List(ctx context.Context, query ListQuery) ([]GlucoseLevel, error)
	ListByUser(ctx context.Context, userID string) ([]GlucoseLevel, error)
	BeginImport(ctx context.Context) (ImportBatch, error)
}

// ImportNotifier publishes a notification after an import commits.
type ImportNotifier interface {
	ImportCompleted(ctx context.Context, userID string, accepted, skipped int) error
}

// Service orchestrates glucose level workflows.
type Service struct {
	repo     LevelRepository
	notifier ImportNotifier
}

// NewService constructs a Service. notifier may be nil when no broker is
// configured.
func NewService(repo LevelRepository, notifier ImportNotifier) *Service {
	return &Service{repo: repo, notifier: notifier}
}

// CreateLevelInput captures the payload from the API layer.
type CreateLevelInput struct {
	UserID       string
	Timestamp    time.Time
	GlucoseValue float64
}

// CreateLevel persists a single measurement. Duplicate (user, timestamp)
// pairs are rejected on this path only; bulk import permits them.
func (s *Service) CreateLevel(ctx context.Context, input CreateLevelInput) (*GlucoseLevel, error) {
	level := GlucoseLevel{
		UserID:       input.UserID,
		Timestamp:    input.Timestamp.UTC(),
		GlucoseValue: input.GlucoseValue,
	}
	created, err := s.repo.Insert(ctx, level)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// GetLevel fetches by ID.
func (s *Service) GetLevel(ctx context.Context, id int64) (*GlucoseLevel, error) {
	level, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if level == nil {
		return nil, ErrLevelNotFound
	}
	return level, nil
}

// ListLevels fetches levels matching the query.
func (s *Service) ListLevels(ctx context.Context, query ListQuery) ([]GlucoseLevel, error) {
	return s.repo.List(ctx, query)
}

// ExportLevels fetches every level for a user in chronological order.
func (s *Service) ExportLevels(ctx context.Context, userID string) ([]GlucoseLevel, error) {
	return s.repo.ListByUser(ctx, userID)
}

// ImportFile runs the CSV ingestion pipeline against an uploaded file.
// All accepted rows commit as one transaction; any fatal pipeline error
// rolls the batch back untouched.
func (s *Service) ImportFile(ctx context.Context, fileName string, raw []byte) (ingest.Result, error) {
	batch, err := s.repo.BeginImport(ctx)
	if err != nil {
		return ingest.Result{}, fmt.Errorf("%w: %v", ingest.ErrPersistence, err)
	}

	result, err := ingest.Ingest(ctx, fileName, raw, batch)
	if err != nil {
		_ = batch.Rollback(ctx)
		return result, err
	}

	if s.notifier != nil {
		if err := s.notifier.ImportCompleted(ctx, result.UserID, result.Accepted, result.Skipped()); err != nil {
			log.Printf("failed to publish import event for user %s: %v", result.UserID, err)
		}
	}
	return result, nil
}
