package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/logprism/logprism/internal/models"
	"github.com/logprism/logprism/internal/store"
	"github.com/logprism/logprism/internal/utils"
)

// Queries is the read surface the handlers need from the store.
type Queries interface {
	IncidentsByScenario(ctx context.Context, scenarioID string, from, to *time.Time, limit int) ([]store.IncidentRecord, error)
	AlertsByScenario(ctx context.Context, scenarioID string, from, to *time.Time, limit int) ([]store.AlertRecord, error)
	NovelAnomaliesByScenario(ctx context.Context, scenarioID string, from, to *time.Time, limit int) ([]store.AnomalyRecord, error)
	GetJob(ctx context.Context, id int64) (models.ETLJob, error)
	ListJobs(ctx context.Context, limit int) ([]models.ETLJob, error)
}

// Handlers serves the read-only query API over the persisted results.
type Handlers struct {
	queries Queries
	window  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandlers constructs the query handlers. window is the prediction window
// used to report passive alert expiry.
func NewHandlers(queries Queries, window time.Duration, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{queries: queries, window: window, logger: logger, now: time.Now}
}

// Register mounts all routes on the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/v1/incidents", h.handleIncidents)
	mux.HandleFunc("GET /api/v1/alerts", h.handleAlerts)
	mux.HandleFunc("GET /api/v1/anomalies", h.handleAnomalies)
	mux.HandleFunc("GET /api/v1/jobs", h.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.handleGetJob)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type incidentResponse struct {
	ID               int64     `json:"id"`
	ScenarioID       string    `json:"scenario_id"`
	AnomalyID        int64     `json:"anomaly_id"`
	ProblemID        int64     `json:"problem_id"`
	ErrorLog         string    `json:"error_log"`
	WarningLog       string    `json:"warning_log"`
	ImpactScore      float64   `json:"impact_score"`
	ErrorTimestamp   time.Time `json:"error_timestamp"`
	WarningTimestamp time.Time `json:"warning_timestamp"`
	CreatedAt        time.Time `json:"created_at"`
}

func (h *Handlers) handleIncidents(w http.ResponseWriter, r *http.Request) {
	q, ok := h.scenarioQuery(w, r)
	if !ok {
		return
	}
	records, err := h.queries.IncidentsByScenario(r.Context(), q.scenarioID, q.from, q.to, q.limit)
	if err != nil {
		h.internalError(w, "list incidents", err)
		return
	}
	out := make([]incidentResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, incidentResponse{
			ID:               rec.ID,
			ScenarioID:       rec.ScenarioID,
			AnomalyID:        rec.AnomalyID,
			ProblemID:        rec.ProblemID,
			ErrorLog:         rec.ErrorLog,
			WarningLog:       rec.WarningLog,
			ImpactScore:      rec.ImpactScore,
			ErrorTimestamp:   rec.ErrorTimestamp,
			WarningTimestamp: rec.WarningTimestamp,
			CreatedAt:        rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": out})
}

type alertResponse struct {
	ID                 int64      `json:"id"`
	ScenarioID         string     `json:"scenario_id"`
	AlertType          string     `json:"alert_type"`
	TriggerAnomalyID   int64      `json:"trigger_anomaly_id"`
	TriggerLog         string     `json:"trigger_log"`
	TriggerTimestamp   time.Time  `json:"trigger_timestamp"`
	PredictedProblemID int64      `json:"predicted_problem_id"`
	ConfidenceScore    float64    `json:"confidence_score"`
	IsVerified         bool       `json:"is_verified"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty"`
	Expired            bool       `json:"expired"`
	CreatedAt          time.Time  `json:"created_at"`
}

func (h *Handlers) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q, ok := h.scenarioQuery(w, r)
	if !ok {
		return
	}
	records, err := h.queries.AlertsByScenario(r.Context(), q.scenarioID, q.from, q.to, q.limit)
	if err != nil {
		h.internalError(w, "list alerts", err)
		return
	}
	now := h.now()
	out := make([]alertResponse, 0, len(records))
	for _, rec := range records {
		// Expiry is computed at read time from the alert's age, mirroring
		// the in-memory alert semantics; it is never stored.
		expired := models.PredictiveAlert{
			TriggerTimestamp: rec.TriggerTimestamp,
			IsVerified:       rec.IsVerified,
			Window:           h.window,
		}.Expired(now)
		out = append(out, alertResponse{
			ID:                 rec.ID,
			ScenarioID:         rec.ScenarioID,
			AlertType:          rec.AlertType,
			TriggerAnomalyID:   rec.TriggerAnomalyID,
			TriggerLog:         rec.TriggerLog,
			TriggerTimestamp:   rec.TriggerTimestamp,
			PredictedProblemID: rec.PredictedProblemID,
			ConfidenceScore:    rec.Confidence,
			IsVerified:         rec.IsVerified,
			VerifiedAt:         rec.VerifiedAt,
			Expired:            expired,
			CreatedAt:          rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

type anomalyResponse struct {
	ID                  int64     `json:"id"`
	ScenarioID          string    `json:"scenario_id"`
	AnomalyID           int64     `json:"anomaly_id,omitempty"`
	WarningMessage      string    `json:"warning_message"`
	WarningLog          string    `json:"warning_log"`
	WarningTimestamp    time.Time `json:"warning_timestamp"`
	CorrelatedProblemID int64     `json:"correlated_problem_id,omitempty"`
	CorrelationScore    float64   `json:"correlation_score"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
}

func (h *Handlers) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	q, ok := h.scenarioQuery(w, r)
	if !ok {
		return
	}
	records, err := h.queries.NovelAnomaliesByScenario(r.Context(), q.scenarioID, q.from, q.to, q.limit)
	if err != nil {
		h.internalError(w, "list anomalies", err)
		return
	}
	out := make([]anomalyResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, anomalyResponse{
			ID:                  rec.ID,
			ScenarioID:          rec.ScenarioID,
			AnomalyID:           rec.AnomalyID,
			WarningMessage:      rec.WarningMessage,
			WarningLog:          rec.WarningLog,
			WarningTimestamp:    rec.WarningTimestamp,
			CorrelatedProblemID: rec.CorrelatedProblemID,
			CorrelationScore:    rec.CorrelationScore,
			Status:              rec.Status,
			CreatedAt:           rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": out})
}

type jobResponse struct {
	ID               int64      `json:"id"`
	Name             string     `json:"job_name"`
	Status           string     `json:"status"`
	SourcePath       string     `json:"source_path"`
	SourceType       string     `json:"source_type"`
	RecordsProcessed int64      `json:"records_processed"`
	RecordsLoaded    int64      `json:"records_loaded"`
	ErrorsCount      int64      `json:"errors_count"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	DurationSeconds  float64    `json:"duration_seconds"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toJobResponse(job models.ETLJob) jobResponse {
	return jobResponse{
		ID:               job.ID,
		Name:             job.Name,
		Status:           string(job.Status),
		SourcePath:       job.SourcePath,
		SourceType:       job.SourceType,
		RecordsProcessed: job.RecordsProcessed,
		RecordsLoaded:    job.RecordsLoaded,
		ErrorsCount:      job.ErrorsCount,
		ErrorMessage:     job.ErrorMessage,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
		DurationSeconds:  job.DurationSeconds(),
		CreatedAt:        job.CreatedAt,
	}
}

func (h *Handlers) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.queries.ListJobs(r.Context(), limit)
	if err != nil {
		h.internalError(w, "list jobs", err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (h *Handlers) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "job id must be a positive integer")
		return
	}
	job, err := h.queries.GetJob(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.internalError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

type scenarioParams struct {
	scenarioID string
	from, to   *time.Time
	limit      int
}

func (h *Handlers) scenarioQuery(w http.ResponseWriter, r *http.Request) (scenarioParams, bool) {
	values := r.URL.Query()
	params := scenarioParams{scenarioID: values.Get("scenario_id")}
	if params.scenarioID == "" {
		writeError(w, http.StatusBadRequest, "scenario_id is required")
		return params, false
	}
	for _, key := range []string{"from", "to"} {
		raw := values.Get(key)
		if raw == "" {
			continue
		}
		ts, err := utils.ParseRFC3339(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, key+" must be RFC 3339")
			return params, false
		}
		if key == "from" {
			params.from = &ts
		} else {
			params.to = &ts
		}
	}
	params.limit, _ = strconv.Atoi(values.Get("limit"))
	return params, true
}

func (h *Handlers) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
