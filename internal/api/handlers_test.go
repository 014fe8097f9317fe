package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"example.com/glucose/internal/domain"
	"example.com/glucose/internal/ingest"
)

// stubRepo is an in-memory domain.LevelRepository. Import batches buffer
// records and only land them on commit, mirroring the transactional sink.
type stubRepo struct {
	levels []domain.GlucoseLevel
	nextID int64
}

func (r *stubRepo) Insert(ctx context.Context, level domain.GlucoseLevel) (domain.GlucoseLevel, error) {
	for _, existing := range r.levels {
		if existing.UserID == level.UserID && existing.Timestamp.Equal(level.Timestamp) {
			return domain.GlucoseLevel{}, domain.ErrDuplicateLevel
		}
	}
	r.nextID++
	level.ID = r.nextID
	r.levels = append(r.levels, level)
	return level, nil
}

func (r *stubRepo) Get(ctx context.Context, id int64) (*domain.GlucoseLevel, error) {
	for _, level := range r.levels {
		if level.ID == id {
			found := level
			return &found, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) List(ctx context.Context, q domain.ListQuery) ([]domain.GlucoseLevel, error) {
	var matched []domain.GlucoseLevel
	for _, level := range r.levels {
		if level.UserID != q.UserID {
			continue
		}
		if q.Start != nil && level.Timestamp.Before(*q.Start) {
			continue
		}
		if q.Stop != nil && level.Timestamp.After(*q.Stop) {
			continue
		}
		matched = append(matched, level)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if q.Sort.Descending {
			a, b = b, a
		}
		switch q.Sort.Field {
		case "glucose_value":
			return a.GlucoseValue < b.GlucoseValue
		case "id":
			return a.ID < b.ID
		case "user_id":
			return a.UserID < b.UserID
		default:
			return a.Timestamp.Before(b.Timestamp)
		}
	})

	offset := q.Offset()
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > q.PageSize {
		matched = matched[:q.PageSize]
	}
	return matched, nil
}

func (r *stubRepo) ListByUser(ctx context.Context, userID string) ([]domain.GlucoseLevel, error) {
	var matched []domain.GlucoseLevel
	for _, level := range r.levels {
		if level.UserID == userID {
			matched = append(matched, level)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	return matched, nil
}

func (r *stubRepo) BeginImport(ctx context.Context) (domain.ImportBatch, error) {
	return &stubBatch{repo: r}, nil
}

type stubBatch struct {
	repo     *stubRepo
	buffered []ingest.Record
}

func (b *stubBatch) Append(ctx context.Context, record ingest.Record) error {
	b.buffered = append(b.buffered, record)
	return nil
}

func (b *stubBatch) Commit(ctx context.Context) error {
	for _, record := range b.buffered {
		b.repo.nextID++
		b.repo.levels = append(b.repo.levels, domain.GlucoseLevel{
			ID:           b.repo.nextID,
			UserID:       record.UserID,
			Timestamp:    record.Timestamp,
			GlucoseValue: record.Value,
		})
	}
	b.buffered = nil
	return nil
}

func (b *stubBatch) Rollback(ctx context.Context) error {
	b.buffered = nil
	return nil
}

func newTestHandler(repo *stubRepo) *Handler {
	return NewHandler(domain.NewService(repo, nil))
}

func seedLevels(repo *stubRepo, userID string, count int) {
	base := time.Date(2024, time.February, 21, 8, 0, 0, 0, time.UTC)
	for i := 0; i < count; i++ {
		repo.nextID++
		repo.levels = append(repo.levels, domain.GlucoseLevel{
			ID:           repo.nextID,
			UserID:       userID,
			Timestamp:    base.Add(time.Duration(i) * 15 * time.Minute),
			GlucoseValue: 100 + float64(i),
		})
	}
}

func uploadRequest(t *testing.T, fileName, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/load-data", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// meterExport builds a CSV in the meter-export shape: one metadata row,
// a 19-column header with the required names at positions 4 and 7, then
// the given (timestamp, value) data rows.
func meterExport(dataRows ...[2]string) string {
	columns := make([]string, 19)
	for i := range columns {
		columns[i] = fmt.Sprintf("Spalte %d", i)
	}
	columns[4] = "Gerätezeitstempel"
	columns[7] = "Glukosewert-Verlauf mg/dL"

	var sb strings.Builder
	sb.WriteString("Glukose-Werte,Erstellt am,12-02-2024 10:00\n")
	sb.WriteString(strings.Join(columns, ","))
	sb.WriteString("\n")
	for _, row := range dataRows {
		fields := make([]string, 19)
		fields[4] = row[0]
		fields[7] = row[1]
		sb.WriteString(strings.Join(fields, ","))
		sb.WriteString("\n")
	}
	return sb.String()
}

func TestLoadDataImportsDirtyFile(t *testing.T) {
	repo := &stubRepo{}
	handler := newTestHandler(repo)

	content := meterExport(
		[2]string{"21-02-2024 08:30", "105.5"},
		[2]string{"21-02-2024 08:45", ""},
		[2]string{"21/02/2024 09:00", "98"},
	)
	req := uploadRequest(t, "alice.csv", content)
	rr := httptest.NewRecorder()
	handler.loadData(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp LoadDataResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.UserID != "alice" {
		t.Fatalf("expected user_id alice got %s", resp.UserID)
	}
	if resp.Accepted != 1 {
		t.Fatalf("expected 1 accepted row got %d", resp.Accepted)
	}
	if resp.Skipped != 1 {
		t.Fatalf("expected 1 skipped row got %d", resp.Skipped)
	}
	if len(repo.levels) != 1 {
		t.Fatalf("expected 1 persisted record got %d", len(repo.levels))
	}
	if repo.levels[0].UserID != "alice" {
		t.Fatalf("expected persisted user alice got %s", repo.levels[0].UserID)
	}
}

func TestLoadDataRejectsUnsupportedFormat(t *testing.T) {
	repo := &stubRepo{}
	handler := newTestHandler(repo)

	req := uploadRequest(t, "bob.txt", "not a csv")
	rr := httptest.NewRecorder()
	handler.loadData(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "unsupported_format") {
		t.Fatalf("expected unsupported_format error, got %s", rr.Body.String())
	}
	if len(repo.levels) != 0 {
		t.Fatalf("expected no persisted records got %d", len(repo.levels))
	}
}

func TestLoadDataFailsWithoutHeaderRow(t *testing.T) {
	repo := &stubRepo{}
	handler := newTestHandler(repo)

	req := uploadRequest(t, "carol.csv", "a,b,c\nd,e,f\n")
	rr := httptest.NewRecorder()
	handler.loadData(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "missing_columns") {
		t.Fatalf("expected missing_columns error, got %s", rr.Body.String())
	}
	if len(repo.levels) != 0 {
		t.Fatalf("expected no persisted records got %d", len(repo.levels))
	}
}

func TestListLevelsReturnsPage(t *testing.T) {
	repo := &stubRepo{}
	seedLevels(repo, "alice", 5)
	handler := newTestHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/levels?user_id=alice&page=2&page_size=2&sort=timestamp.asc", nil)
	rr := httptest.NewRecorder()
	handler.listLevels(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var items []LevelView
	if err := json.Unmarshal(rr.Body.Bytes(), &items); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items got %d", len(items))
	}
	if items[0].ID != 3 || items[1].ID != 4 {
		t.Fatalf("unexpected page contents: %+v", items)
	}
}

func TestListLevelsDefaultsToNewestFirst(t *testing.T) {
	repo := &stubRepo{}
	seedLevels(repo, "alice", 3)
	handler := newTestHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/levels?user_id=alice", nil)
	rr := httptest.NewRecorder()
	handler.listLevels(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var items []LevelView
	if err := json.Unmarshal(rr.Body.Bytes(), &items); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if items[0].ID != 3 {
		t.Fatalf("expected newest record first, got id %d", items[0].ID)
	}
}

func TestListLevelsFiltersByTimeRange(t *testing.T) {
	repo := &stubRepo{}
	seedLevels(repo, "alice", 4) // 08:00, 08:15, 08:30, 08:45
	handler := newTestHandler(repo)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/levels?user_id=alice&start=2024-02-21T08:15:00Z&stop=2024-02-21T08:30:00Z&sort=timestamp.asc", nil)
	rr := httptest.NewRecorder()
	handler.listLevels(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var items []LevelView
	if err := json.Unmarshal(rr.Body.Bytes(), &items); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items in range got %d", len(items))
	}
}

func TestListLevelsRejectsUnknownSortField(t *testing.T) {
	repo := &stubRepo{}
	seedLevels(repo, "alice", 1)
	handler := newTestHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/levels?user_id=alice&sort=password.desc", nil)
	rr := httptest.NewRecorder()
	handler.listLevels(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestListLevelsRequiresUserID(t *testing.T) {
	handler := newTestHandler(&stubRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/levels", nil)
	rr := httptest.NewRecorder()
	handler.listLevels(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestListLevelsNotFoundWhenEmpty(t *testing.T) {
	handler := newTestHandler(&stubRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/levels?user_id=nobody", nil)
	rr := httptest.NewRecorder()
	handler.listLevels(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestGetLevelByID(t *testing.T) {
	repo := &stubRepo{}
	seedLevels(repo, "alice", 1)
	handler := newTestHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/levels/1", nil)
	rr := httptest.NewRecorder()
	handler.levelByID(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var view LevelView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if view.ID != 1 || view.UserID != "alice" {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestGetLevelNotFound(t *testing.T) {
	handler := newTestHandler(&stubRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/levels/42", nil)
	rr := httptest.NewRecorder()
	handler.levelByID(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestCreateLevelRejectsDuplicate(t *testing.T) {
	repo := &stubRepo{}
	handler := newTestHandler(repo)

	body := `{"user_id":"alice","timestamp":"2024-02-21T08:30:00Z","glucose_value":105.5}`

	first := httptest.NewRequest(http.MethodPost, "/api/v1/levels", strings.NewReader(body))
	rr := httptest.NewRecorder()
	handler.createLevel(rr, first)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}

	second := httptest.NewRequest(http.MethodPost, "/api/v1/levels", strings.NewReader(body))
	rr = httptest.NewRecorder()
	handler.createLevel(rr, second)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
	if len(repo.levels) != 1 {
		t.Fatalf("expected 1 persisted record got %d", len(repo.levels))
	}
}

func TestCreateLevelValidation(t *testing.T) {
	handler := newTestHandler(&stubRepo{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/levels",
		strings.NewReader(`{"timestamp":"2024-02-21T08:30:00Z","glucose_value":105.5}`))
	rr := httptest.NewRecorder()
	handler.createLevel(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestExportDataWritesCSV(t *testing.T) {
	repo := &stubRepo{}
	seedLevels(repo, "alice", 2)
	handler := newTestHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/export-data?user_id=alice", nil)
	rr := httptest.NewRecorder()
	handler.exportData(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "text/csv" {
		t.Fatalf("expected text/csv got %s", got)
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, "glucose_levels_alice.csv") {
		t.Fatalf("unexpected content disposition %s", got)
	}

	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines", len(lines))
	}
	if lines[0] != "id,user_id,timestamp,glucose_value" {
		t.Fatalf("unexpected header line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "1,alice,2024-02-21 08:00:00,100") {
		t.Fatalf("unexpected first data line %q", lines[1])
	}
}

func TestExportDataNotFound(t *testing.T) {
	handler := newTestHandler(&stubRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/export-data?user_id=nobody", nil)
	rr := httptest.NewRecorder()
	handler.exportData(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}
