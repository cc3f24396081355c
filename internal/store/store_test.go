package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/logprism/logprism/internal/models"
)

func openTestRepo(t *testing.T) (*Repository, *sql.DB) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return NewRepository(db), db
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func classifiedEntry(scenario string, line int, level models.Level, templateID int64, at time.Time) models.ClassifiedEntry {
	return models.ClassifiedEntry{
		Entry: models.CanonicalLogEntry{
			RawLogEntry: models.RawLogEntry{
				ScenarioID: scenario,
				Timestamp:  at,
				Level:      level,
				Category:   "db",
				Message:    "connection refused",
				RawLine:    "raw line",
				FileName:   "app.log",
				LineNumber: line,
			},
			GeneralizedMessage: "connection refused",
		},
		Result: models.ClassificationResult{TemplateID: templateID, Score: 0.9, ModelUsed: "stub-v1"},
	}
}

func sampleBatch(scenario string) ScenarioBatch {
	warning := classifiedEntry(scenario, 1, models.LevelWarning, 7, base)
	errEntry := classifiedEntry(scenario, 2, models.LevelError, 3, base.Add(5*time.Second))
	return ScenarioBatch{
		ScenarioID: scenario,
		Entries:    []models.ClassifiedEntry{warning, errEntry},
		Incidents: []models.Incident{{
			ScenarioID:       scenario,
			AnomalyID:        7,
			ProblemID:        3,
			Error:            errEntry.Entry,
			Warning:          warning.Entry,
			ImpactScore:      0.6,
			ErrorTimestamp:   errEntry.Entry.Timestamp,
			WarningTimestamp: warning.Entry.Timestamp,
			CreatedAt:        base,
		}},
		Anomalies: []models.NovelAnomaly{{
			ScenarioID:       scenario,
			Warning:          warning.Entry,
			AnomalyID:        0,
			CorrelationScore: 0.4,
			TimeDeltaSeconds: 10,
			Status:           models.AnomalyStatusNew,
			CreatedAt:        base,
		}},
		Alerts: []models.PredictiveAlert{{
			ScenarioID:         scenario,
			TriggerAnomalyID:   7,
			TriggerLog:         warning.Entry,
			TriggerTimestamp:   warning.Entry.Timestamp,
			PredictedProblemID: 3,
			Confidence:         0.8,
			Window:             10 * time.Minute,
			CreatedAt:          base,
		}},
		Analysis: models.AnalysisResult{
			ScenarioID:     scenario,
			AnalysisDate:   base,
			TotalLogs:      2,
			TotalErrors:    1,
			TotalWarnings:  1,
			UniqueProblems: 1, UniqueAnomalies: 1,
			TimeRangeStart: base,
			TimeRangeEnd:   base.Add(5 * time.Second),
			ResultJSON:     "{}",
			ModelUsed:      "stub-v1",
		},
	}
}

func TestJobLifecycle(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	job := models.ETLJob{Name: "batch-1", SourcePath: "/data/batch", SourceType: "directory"}
	require.NoError(t, repo.CreateJob(ctx, &job))
	require.Greater(t, job.ID, int64(0))
	require.Equal(t, models.JobPending, job.Status)

	started := base
	require.NoError(t, job.Transition(models.JobRunning))
	require.NoError(t, repo.MarkJobRunning(ctx, job.ID, started))

	completed := base.Add(42 * time.Second)
	job.StartedAt = &started
	job.CompletedAt = &completed
	job.RecordsProcessed = 100
	job.RecordsLoaded = 90
	job.ErrorsCount = 2
	require.NoError(t, job.Transition(models.JobCompleted))
	require.NoError(t, repo.FinishJob(ctx, job))

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, got.Status)
	require.Equal(t, int64(90), got.RecordsLoaded)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.InDelta(t, 42.0, got.DurationSeconds(), 0.001)

	jobs, err := repo.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestJobTransitionRules(t *testing.T) {
	job := models.ETLJob{Name: "j", Status: models.JobPending}
	require.NoError(t, job.Transition(models.JobRunning))
	require.Error(t, job.Transition(models.JobPending))
	require.NoError(t, job.Transition(models.JobFailed))
	require.Error(t, job.Transition(models.JobCompleted), "terminal states admit nothing")
}

func TestSaveScenarioAndReadBack(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	loaded, err := repo.SaveScenario(ctx, sampleBatch("scn-1"))
	require.NoError(t, err)
	require.Equal(t, int64(2), loaded)

	incidents, err := repo.IncidentsByScenario(ctx, "scn-1", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	require.Equal(t, int64(3), incidents[0].ProblemID)
	require.Equal(t, int64(7), incidents[0].AnomalyID)
	require.InDelta(t, 0.6, incidents[0].ImpactScore, 1e-9)

	alerts, err := repo.AlertsByScenario(ctx, "scn-1", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "anomaly_precursor", alerts[0].AlertType)
	require.False(t, alerts[0].IsVerified)
	require.Nil(t, alerts[0].VerifiedAt)

	anomalies, err := repo.NovelAnomaliesByScenario(ctx, "scn-1", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	require.Equal(t, "NEW", anomalies[0].Status)
}

func TestSaveScenarioRerunIsIdempotent(t *testing.T) {
	repo, db := openTestRepo(t)
	ctx := context.Background()

	first, err := repo.SaveScenario(ctx, sampleBatch("scn-1"))
	require.NoError(t, err)
	require.Equal(t, int64(2), first)

	second, err := repo.SaveScenario(ctx, sampleBatch("scn-1"))
	require.NoError(t, err)
	require.Equal(t, int64(0), second, "identical rerun must load zero records")

	for _, table := range []string{"raw_logs", "processed_logs", "incidents", "novel_anomalies", "predictive_alerts", "analysis_results"} {
		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&count))
		switch table {
		case "raw_logs", "processed_logs":
			require.Equal(t, 2, count, table)
		default:
			require.Equal(t, 1, count, table)
		}
	}
}

func TestSaveScenarioGrownRerunSkipsExistingDerived(t *testing.T) {
	repo, db := openTestRepo(t)
	ctx := context.Background()

	_, err := repo.SaveScenario(ctx, sampleBatch("scn-1"))
	require.NoError(t, err)

	// The scenario gains two lines; the rerun recomputes the whole partition,
	// so the batch carries the old derived records alongside the new ones.
	grown := sampleBatch("scn-1")
	oldWarning := classifiedEntry("scn-1", 1, models.LevelWarning, 7, base)
	newWarning := classifiedEntry("scn-1", 3, models.LevelWarning, 0, base.Add(time.Minute))
	newError := classifiedEntry("scn-1", 4, models.LevelError, 3, base.Add(70*time.Second))
	grown.Entries = append(grown.Entries, newWarning, newError)
	grown.Anomalies = append(grown.Anomalies, models.NovelAnomaly{
		ScenarioID:       "scn-1",
		Warning:          newWarning.Entry,
		CorrelationScore: 0.3,
		TimeDeltaSeconds: 10,
		Status:           models.AnomalyStatusNew,
		CreatedAt:        base,
	})
	grown.Incidents = append(grown.Incidents, models.Incident{
		ScenarioID:       "scn-1",
		AnomalyID:        7,
		ProblemID:        3,
		Error:            newError.Entry,
		Warning:          oldWarning.Entry,
		ImpactScore:      0.5,
		ErrorTimestamp:   newError.Entry.Timestamp,
		WarningTimestamp: oldWarning.Entry.Timestamp,
		CreatedAt:        base,
	})

	loaded, err := repo.SaveScenario(ctx, grown)
	require.NoError(t, err)
	require.Equal(t, int64(2), loaded, "only the added lines load")

	incidents, err := repo.IncidentsByScenario(ctx, "scn-1", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, incidents, 2, "old incident kept once, mixed-constituent incident added")

	anomalies, err := repo.NovelAnomaliesByScenario(ctx, "scn-1", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, anomalies, 2, "old anomaly kept once, new anomaly added")

	alerts, err := repo.AlertsByScenario(ctx, "scn-1", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1, "alert on a pre-existing trigger is not re-inserted")

	var rawCount int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM raw_logs").Scan(&rawCount))
	require.Equal(t, 4, rawCount)
}

func TestSaveScenarioSeparateScenariosDoNotConflict(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	first, err := repo.SaveScenario(ctx, sampleBatch("scn-1"))
	require.NoError(t, err)
	second, err := repo.SaveScenario(ctx, sampleBatch("scn-2"))
	require.NoError(t, err)
	require.Equal(t, first, second, "same lines under another scenario are distinct entries")
}

func TestIncidentPairCounts(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	_, err := repo.SaveScenario(ctx, sampleBatch("scn-1"))
	require.NoError(t, err)
	_, err = repo.SaveScenario(ctx, sampleBatch("scn-2"))
	require.NoError(t, err)

	pairs, err := repo.IncidentPairCounts(ctx)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, PairCount{AnomalyID: 7, ProblemID: 3, Count: 2}, pairs[0])
}

func TestTimeRangeFilter(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	_, err := repo.SaveScenario(ctx, sampleBatch("scn-1"))
	require.NoError(t, err)

	from := base.Add(time.Minute)
	incidents, err := repo.IncidentsByScenario(ctx, "scn-1", &from, nil, 0)
	require.NoError(t, err)
	require.Empty(t, incidents)

	to := base.Add(time.Minute)
	incidents, err = repo.IncidentsByScenario(ctx, "scn-1", nil, &to, 0)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
}

func TestFingerprintStability(t *testing.T) {
	a := classifiedEntry("scn-1", 1, models.LevelError, 3, base).Entry.RawLogEntry
	b := classifiedEntry("scn-1", 1, models.LevelError, 3, base).Entry.RawLogEntry
	require.Equal(t, Fingerprint(a), Fingerprint(b))

	c := a
	c.LineNumber = 2
	require.NotEqual(t, Fingerprint(a), Fingerprint(c))

	d := a
	d.ScenarioID = "scn-2"
	require.NotEqual(t, Fingerprint(a), Fingerprint(d))
}
