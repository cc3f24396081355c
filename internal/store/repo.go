package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/logprism/logprism/internal/models"
)

// Repository wraps the SQLite database with typed accessors.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs a Repository over an opened database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for lifecycle management.
func (r *Repository) DB() *sql.DB { return r.db }

// Fingerprint derives the stable raw-entry identity used for idempotent
// reruns: the same scenario, file, line number, and raw text always map to
// the same key.
func Fingerprint(e models.RawLogEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s", e.ScenarioID, e.FileName, e.LineNumber, e.RawLine)
	return hex.EncodeToString(h.Sum(nil))
}

// CreateJob inserts a PENDING job row and fills in its id.
func (r *Repository) CreateJob(ctx context.Context, job *models.ETLJob) error {
	now := time.Now().UTC()
	job.Status = models.JobPending
	job.CreatedAt = now
	res, err := r.db.ExecContext(ctx, `INSERT INTO etl_jobs
		(job_name,status,source_path,source_type,created_at)
		VALUES (?,?,?,?,?)`,
		job.Name, job.Status, job.SourcePath, job.SourceType, now)
	if err != nil {
		return err
	}
	job.ID, err = res.LastInsertId()
	return err
}

// MarkJobRunning records the RUNNING transition.
func (r *Repository) MarkJobRunning(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE etl_jobs SET status=?, started_at=? WHERE id=?`,
		models.JobRunning, at.UTC(), id)
	return err
}

// FinishJob records the terminal state and final counters for a job.
func (r *Repository) FinishJob(ctx context.Context, job models.ETLJob) error {
	var completed any
	if job.CompletedAt != nil {
		completed = job.CompletedAt.UTC()
	}
	_, err := r.db.ExecContext(ctx, `UPDATE etl_jobs SET
		status=?, completed_at=?, duration_seconds=?,
		records_processed=?, records_loaded=?, errors_count=?, error_message=?
		WHERE id=?`,
		job.Status, completed, job.DurationSeconds(),
		job.RecordsProcessed, job.RecordsLoaded, job.ErrorsCount, job.ErrorMessage,
		job.ID)
	return err
}

// GetJob fetches one job row.
func (r *Repository) GetJob(ctx context.Context, id int64) (models.ETLJob, error) {
	var job models.ETLJob
	var started, completed sql.NullTime
	var errMsg sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT id,job_name,status,started_at,completed_at,
		source_path,source_type,records_processed,records_loaded,errors_count,error_message,created_at
		FROM etl_jobs WHERE id=?`, id).
		Scan(&job.ID, &job.Name, &job.Status, &started, &completed,
			&job.SourcePath, &job.SourceType, &job.RecordsProcessed, &job.RecordsLoaded,
			&job.ErrorsCount, &errMsg, &job.CreatedAt)
	if err != nil {
		return models.ETLJob{}, err
	}
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	job.ErrorMessage = errMsg.String
	return job, nil
}

// ListJobs returns recent jobs, newest first.
func (r *Repository) ListJobs(ctx context.Context, limit int) ([]models.ETLJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id,job_name,status,started_at,completed_at,
		source_path,source_type,records_processed,records_loaded,errors_count,error_message,created_at
		FROM etl_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.ETLJob, 0, limit)
	for rows.Next() {
		var job models.ETLJob
		var started, completed sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&job.ID, &job.Name, &job.Status, &started, &completed,
			&job.SourcePath, &job.SourceType, &job.RecordsProcessed, &job.RecordsLoaded,
			&job.ErrorsCount, &errMsg, &job.CreatedAt); err != nil {
			return nil, err
		}
		if started.Valid {
			t := started.Time
			job.StartedAt = &t
		}
		if completed.Valid {
			t := completed.Time
			job.CompletedAt = &t
		}
		job.ErrorMessage = errMsg.String
		out = append(out, job)
	}
	return out, rows.Err()
}

// ScenarioBatch is everything one completed scenario partition persists in a
// single transaction. Nothing is written for a partition that did not finish.
type ScenarioBatch struct {
	ScenarioID string
	Entries    []models.ClassifiedEntry
	Incidents  []models.Incident
	Anomalies  []models.NovelAnomaly
	Alerts     []models.PredictiveAlert
	Analysis   models.AnalysisResult
}

// SaveScenario persists a completed scenario partition transactionally and
// returns how many raw entries were genuinely new. Raw rows conflict on the
// entry fingerprint, so a rerun over an already-loaded scenario inserts
// nothing. Derived rows are gated per record: an incident, anomaly, or alert
// is written only when at least one of its constituent raw entries was newly
// loaded in this transaction, so a rerun over a partially grown scenario
// never duplicates records derived from entries persisted earlier.
func (r *Repository) SaveScenario(ctx context.Context, batch ScenarioBatch) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var loaded int64
	newFingerprints := make(map[string]struct{})
	for _, ce := range batch.Entries {
		raw := ce.Entry.RawLogEntry
		fp := Fingerprint(raw)
		res, err := tx.ExecContext(ctx, `INSERT INTO raw_logs
			(fingerprint,timestamp,level,category,message,raw_log,file_name,line_number,source_archive,ingested_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(fingerprint) DO NOTHING`,
			fp, raw.Timestamp.UTC(), raw.Level, raw.Category, raw.Message,
			raw.RawLine, raw.FileName, raw.LineNumber, raw.ScenarioID, now)
		if err != nil {
			return 0, fmt.Errorf("insert raw log: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if inserted == 0 {
			continue
		}
		loaded++
		newFingerprints[fp] = struct{}{}

		rawID, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		problemID, anomalyID := int64(0), int64(0)
		switch ce.Entry.Level {
		case models.LevelError:
			problemID = ce.Result.TemplateID
		case models.LevelWarning:
			anomalyID = ce.Result.TemplateID
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO processed_logs
			(raw_log_id,timestamp,level,message,generalized_message,file_name,line_number,
			 problem_id,anomaly_id,match_score,processed_at,model_used)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			rawID, raw.Timestamp.UTC(), raw.Level, raw.Message, ce.Entry.GeneralizedMessage,
			raw.FileName, raw.LineNumber, problemID, anomalyID, ce.Result.Score, now, ce.Result.ModelUsed); err != nil {
			return 0, fmt.Errorf("insert processed log: %w", err)
		}
	}

	if loaded > 0 {
		if err := insertDerived(ctx, tx, batch, newFingerprints); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return loaded, nil
}

// insertDerived writes the recomputed incidents, anomalies, and alerts,
// skipping any record whose constituent raw entries all existed before this
// transaction: those were derived and persisted by an earlier run.
func insertDerived(ctx context.Context, tx *sql.Tx, batch ScenarioBatch, newFingerprints map[string]struct{}) error {
	isNew := func(e models.RawLogEntry) bool {
		_, ok := newFingerprints[Fingerprint(e)]
		return ok
	}

	for _, inc := range batch.Incidents {
		if !isNew(inc.Error.RawLogEntry) && !isNew(inc.Warning.RawLogEntry) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO incidents
			(scenario_id,anomaly_id,problem_id,error_file,error_line,error_log,
			 warning_file,warning_line,warning_log,impact_score,error_timestamp,warning_timestamp,created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			inc.ScenarioID, inc.AnomalyID, inc.ProblemID,
			inc.Error.FileName, inc.Error.LineNumber, inc.Error.RawLine,
			inc.Warning.FileName, inc.Warning.LineNumber, inc.Warning.RawLine,
			inc.ImpactScore, inc.ErrorTimestamp.UTC(), inc.WarningTimestamp.UTC(), inc.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert incident: %w", err)
		}
	}

	for _, na := range batch.Anomalies {
		if !isNew(na.Warning.RawLogEntry) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO novel_anomalies
			(scenario_id,anomaly_id,warning_message,warning_log,warning_file,warning_line,
			 warning_timestamp,correlated_problem_id,correlation_score,time_delta_seconds,status,created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			na.ScenarioID, na.AnomalyID, na.Warning.Message, na.Warning.RawLine,
			na.Warning.FileName, na.Warning.LineNumber, na.Warning.Timestamp.UTC(),
			na.CorrelatedProblemID, na.CorrelationScore, na.TimeDeltaSeconds,
			na.Status, na.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert novel anomaly: %w", err)
		}
	}

	for _, alert := range batch.Alerts {
		if !isNew(alert.TriggerLog.RawLogEntry) {
			continue
		}
		var verifiedAt any
		if alert.VerifiedAt != nil {
			verifiedAt = alert.VerifiedAt.UTC()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO predictive_alerts
			(scenario_id,alert_type,trigger_anomaly_id,trigger_log,trigger_timestamp,
			 predicted_problem_id,confidence_score,is_verified,verified_at,created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			alert.ScenarioID, "anomaly_precursor", alert.TriggerAnomalyID,
			alert.TriggerLog.RawLine, alert.TriggerTimestamp.UTC(),
			alert.PredictedProblemID, alert.Confidence, alert.IsVerified, verifiedAt,
			alert.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert predictive alert: %w", err)
		}
	}

	a := batch.Analysis
	if a.TotalLogs > 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO analysis_results
			(scenario_id,analysis_date,total_logs,total_errors,total_warnings,
			 unique_problems,unique_anomalies,time_range_start,time_range_end,
			 result_json,model_used,processing_duration_sec)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			a.ScenarioID, a.AnalysisDate.UTC(), a.TotalLogs, a.TotalErrors, a.TotalWarnings,
			a.UniqueProblems, a.UniqueAnomalies, a.TimeRangeStart.UTC(), a.TimeRangeEnd.UTC(),
			a.ResultJSON, a.ModelUsed, a.ProcessingDurationSec); err != nil {
			return fmt.Errorf("insert analysis result: %w", err)
		}
	}
	return nil
}

// PairCount is one aggregated anomaly→problem co-occurrence row.
type PairCount struct {
	AnomalyID int64
	ProblemID int64
	Count     int64
}

// IncidentPairCounts aggregates historical incidents so the predictor's
// co-occurrence table can be hydrated at job start.
func (r *Repository) IncidentPairCounts(ctx context.Context) ([]PairCount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT anomaly_id, problem_id, COUNT(*)
		FROM incidents WHERE anomaly_id > 0 AND problem_id > 0
		GROUP BY anomaly_id, problem_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PairCount
	for rows.Next() {
		var pc PairCount
		if err := rows.Scan(&pc.AnomalyID, &pc.ProblemID, &pc.Count); err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// IncidentRecord is the read model for the query surface.
type IncidentRecord struct {
	ID               int64
	ScenarioID       string
	AnomalyID        int64
	ProblemID        int64
	ErrorFile        string
	ErrorLine        int
	ErrorLog         string
	WarningFile      string
	WarningLine      int
	WarningLog       string
	ImpactScore      float64
	ErrorTimestamp   time.Time
	WarningTimestamp time.Time
	CreatedAt        time.Time
}

// IncidentsByScenario returns incidents for one scenario within an optional
// time range, ordered by error timestamp.
func (r *Repository) IncidentsByScenario(ctx context.Context, scenarioID string, from, to *time.Time, limit int) ([]IncidentRecord, error) {
	clause, args := timeRange("error_timestamp", scenarioID, from, to)
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)
	rows, err := r.db.QueryContext(ctx, `SELECT id,scenario_id,anomaly_id,problem_id,
		error_file,error_line,error_log,warning_file,warning_line,warning_log,
		impact_score,error_timestamp,warning_timestamp,created_at
		FROM incidents WHERE `+clause+` ORDER BY error_timestamp ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]IncidentRecord, 0, limit)
	for rows.Next() {
		var rec IncidentRecord
		if err := rows.Scan(&rec.ID, &rec.ScenarioID, &rec.AnomalyID, &rec.ProblemID,
			&rec.ErrorFile, &rec.ErrorLine, &rec.ErrorLog,
			&rec.WarningFile, &rec.WarningLine, &rec.WarningLog,
			&rec.ImpactScore, &rec.ErrorTimestamp, &rec.WarningTimestamp, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AlertRecord is the read model for predictive alerts.
type AlertRecord struct {
	ID                 int64
	ScenarioID         string
	AlertType          string
	TriggerAnomalyID   int64
	TriggerLog         string
	TriggerTimestamp   time.Time
	PredictedProblemID int64
	Confidence         float64
	IsVerified         bool
	VerifiedAt         *time.Time
	CreatedAt          time.Time
}

// AlertsByScenario returns predictive alerts for one scenario within an
// optional time range, ordered by trigger timestamp.
func (r *Repository) AlertsByScenario(ctx context.Context, scenarioID string, from, to *time.Time, limit int) ([]AlertRecord, error) {
	clause, args := timeRange("trigger_timestamp", scenarioID, from, to)
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)
	rows, err := r.db.QueryContext(ctx, `SELECT id,scenario_id,alert_type,trigger_anomaly_id,
		trigger_log,trigger_timestamp,predicted_problem_id,confidence_score,is_verified,verified_at,created_at
		FROM predictive_alerts WHERE `+clause+` ORDER BY trigger_timestamp ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var verified sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.ScenarioID, &rec.AlertType, &rec.TriggerAnomalyID,
			&rec.TriggerLog, &rec.TriggerTimestamp, &rec.PredictedProblemID,
			&rec.Confidence, &rec.IsVerified, &verified, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if verified.Valid {
			t := verified.Time
			rec.VerifiedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AnomalyRecord is the read model for novel anomalies.
type AnomalyRecord struct {
	ID                  int64
	ScenarioID          string
	AnomalyID           int64
	WarningMessage      string
	WarningLog          string
	WarningFile         string
	WarningLine         int
	WarningTimestamp    time.Time
	CorrelatedProblemID int64
	CorrelationScore    float64
	TimeDeltaSeconds    float64
	Status              string
	CreatedAt           time.Time
}

// NovelAnomaliesByScenario returns novel anomalies for one scenario within
// an optional time range, ordered by warning timestamp.
func (r *Repository) NovelAnomaliesByScenario(ctx context.Context, scenarioID string, from, to *time.Time, limit int) ([]AnomalyRecord, error) {
	clause, args := timeRange("warning_timestamp", scenarioID, from, to)
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)
	rows, err := r.db.QueryContext(ctx, `SELECT id,scenario_id,anomaly_id,warning_message,
		warning_log,warning_file,warning_line,warning_timestamp,
		correlated_problem_id,correlation_score,time_delta_seconds,status,created_at
		FROM novel_anomalies WHERE `+clause+` ORDER BY warning_timestamp ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AnomalyRecord, 0, limit)
	for rows.Next() {
		var rec AnomalyRecord
		if err := rows.Scan(&rec.ID, &rec.ScenarioID, &rec.AnomalyID, &rec.WarningMessage,
			&rec.WarningLog, &rec.WarningFile, &rec.WarningLine, &rec.WarningTimestamp,
			&rec.CorrelatedProblemID, &rec.CorrelationScore, &rec.TimeDeltaSeconds,
			&rec.Status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func timeRange(column, scenarioID string, from, to *time.Time) (string, []any) {
	clause := "scenario_id = ?"
	args := []any{scenarioID}
	if from != nil {
		clause += " AND " + column + " >= ?"
		args = append(args, from.UTC())
	}
	if to != nil {
		clause += " AND " + column + " <= ?"
		args = append(args, to.UTC())
	}
	return clause, args
}
