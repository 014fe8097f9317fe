// Package api exposes HTTP handlers for the glucose service.
package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/glucose/internal/domain"
	"example.com/glucose/internal/ingest"
	"example.com/glucose/internal/observability"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
	maxUploadBytes  = 32 << 20
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/levels", h.levels)
	mux.HandleFunc("/api/v1/levels/", h.levelByID)
	mux.HandleFunc("/api/v1/load-data", h.loadData)
	mux.HandleFunc("/api/v1/export-data", h.exportData)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) levels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createLevel(w, r)
	case http.MethodGet:
		h.listLevels(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) levelByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/levels/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "level id must be an integer")
		return
	}

	level, err := h.service.GetLevel(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrLevelNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Glucose level not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", "failed to fetch glucose level")
		return
	}

	writeJSON(w, http.StatusOK, toLevelView(*level))
}

func (h *Handler) createLevel(w http.ResponseWriter, r *http.Request) {
	var req CreateLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	level, err := h.service.CreateLevel(r.Context(), domain.CreateLevelInput{
		UserID:       req.UserID,
		Timestamp:    req.Timestamp,
		GlucoseValue: req.GlucoseValue,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateLevel) {
			writeError(w, http.StatusBadRequest, "data_integrity", "Data integrity error, possibly duplicate data.")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", "failed to create glucose level")
		return
	}

	writeJSON(w, http.StatusCreated, toLevelView(*level))
}

func (h *Handler) listLevels(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	userID := params.Get("user_id")
	if strings.TrimSpace(userID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing user_id parameter")
		return
	}

	query := domain.ListQuery{UserID: userID, Page: 1, PageSize: defaultPageSize}

	if raw := params.Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "validation_failed", "page must be an integer >= 1")
			return
		}
		query.Page = parsed
	}

	if raw := params.Get("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxPageSize {
			writeError(w, http.StatusBadRequest, "validation_failed",
				fmt.Sprintf("page_size must be between 1 and %d", maxPageSize))
			return
		}
		query.PageSize = parsed
	}

	start, err := parseTimeParam(params.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "start must be an RFC3339 timestamp")
		return
	}
	query.Start = start

	stop, err := parseTimeParam(params.Get("stop"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "stop must be an RFC3339 timestamp")
		return
	}
	query.Stop = stop

	sort, err := domain.ParseSort(params.Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	query.Sort = sort

	levels, err := h.service.ListLevels(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to list glucose levels")
		return
	}
	if len(levels) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "No glucose levels found for the specified criteria")
		return
	}

	items := make([]LevelView, 0, len(levels))
	for _, level := range levels {
		items = append(items, toLevelView(level))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) loadData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected multipart form upload")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing file field")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to read uploaded file")
		return
	}

	result, err := h.service.ImportFile(r.Context(), header.Filename, raw)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnsupportedFormat):
			writeError(w, http.StatusBadRequest, "unsupported_format", "Unsupported file format")
		case errors.Is(err, ingest.ErrDecode):
			writeError(w, http.StatusBadRequest, "decode_error", "File content is not valid UTF-8")
		case errors.Is(err, ingest.ErrMissingColumns):
			writeError(w, http.StatusBadRequest, "missing_columns", "Required columns not found in CSV file")
		default:
			writeError(w, http.StatusInternalServerError, "server_error", "An error occurred while processing the file")
		}
		return
	}

	observability.RecordImport(result.Accepted, result.Skipped(), time.Now().UTC())

	writeJSON(w, http.StatusOK, toLoadDataResponse(result))
}

func (h *Handler) exportData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	userID := r.URL.Query().Get("user_id")
	if strings.TrimSpace(userID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing user_id parameter")
		return
	}

	levels, err := h.service.ExportLevels(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "Failed to export data due to an internal error")
		return
	}
	if len(levels) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "No glucose levels found for the specified user ID")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=glucose_levels_%s.csv", userID))
	w.WriteHeader(http.StatusOK)

	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"id", "user_id", "timestamp", "glucose_value"})
	for _, level := range levels {
		_ = writer.Write([]string{
			strconv.FormatInt(level.ID, 10),
			level.UserID,
			level.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			strconv.FormatFloat(level.GlucoseValue, 'f', -1, 64),
		})
	}
	writer.Flush()
}

func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// CreateLevelRequest is the payload for POST /api/v1/levels.
type CreateLevelRequest struct {
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`
	GlucoseValue float64   `json:"glucose_value"`
}

// Validate ensures request correctness.
func (r CreateLevelRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user_id is required")
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if r.GlucoseValue <= 0 {
		return errors.New("glucose_value must be > 0")
	}
	return nil
}

// LevelView exposes a stored glucose level.
type LevelView struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`
	GlucoseValue float64   `json:"glucose_value"`
}

// RowFailureView describes one dropped CSV row.
type RowFailureView struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// LoadDataResponse reports the outcome of a CSV import.
type LoadDataResponse struct {
	Message  string           `json:"message"`
	UserID   string           `json:"user_id"`
	Accepted int              `json:"accepted"`
	Skipped  int              `json:"skipped"`
	Failures []RowFailureView `json:"failures,omitempty"`
}

func toLoadDataResponse(result ingest.Result) LoadDataResponse {
	resp := LoadDataResponse{
		Message:  "Data loaded successfully",
		UserID:   result.UserID,
		Accepted: result.Accepted,
		Skipped:  result.Skipped(),
	}
	for _, failure := range result.Failures {
		resp.Failures = append(resp.Failures, RowFailureView{Line: failure.Line, Reason: failure.Reason})
	}
	return resp
}

func toLevelView(level domain.GlucoseLevel) LevelView {
	return LevelView{
		ID:           level.ID,
		UserID:       level.UserID,
		Timestamp:    level.Timestamp,
		GlucoseValue: level.GlucoseValue,
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
