package etl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/logprism/logprism/internal/classify"
	"github.com/logprism/logprism/internal/config"
	"github.com/logprism/logprism/internal/correlate"
	"github.com/logprism/logprism/internal/metrics"
	"github.com/logprism/logprism/internal/models"
	"github.com/logprism/logprism/internal/normalize"
	"github.com/logprism/logprism/internal/predict"
	"github.com/logprism/logprism/internal/store"
	"github.com/logprism/logprism/internal/templates"
	"github.com/logprism/logprism/internal/utils"
)

// maxLineBytes bounds a single log line; longer lines are malformed.
const maxLineBytes = 1 << 20

// Coordinator drives one ETL job: discover scenarios, fan them out over a
// bounded worker pool, and persist each finished scenario transactionally.
type Coordinator struct {
	cfg        config.EngineConfig
	repo       *store.Repository
	classifier *classify.Classifier
	templates  string
	logger     *slog.Logger
	latencies  *utils.LatencyTracker
}

// NewCoordinator wires the coordinator's collaborators. templatesPath points
// at the template catalog CSV loaded once per job attempt.
func NewCoordinator(cfg config.EngineConfig, repo *store.Repository, classifier *classify.Classifier, templatesPath string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:        cfg,
		repo:       repo,
		classifier: classifier,
		templates:  templatesPath,
		logger:     logger,
		latencies:  utils.NewLatencyTracker(1024),
	}
}

type scenarioOutcome struct {
	scenarioID string
	processed  int64
	loaded     int64
	errors     int64
	err        error
}

// Run executes one job over the batch at sourcePath and returns the finished
// job row. The job fails as a whole only on fatal errors (template store or
// embedding backend unavailable, invalid configuration, cancellation);
// malformed entries are counted and skipped.
func (c *Coordinator) Run(ctx context.Context, jobName, sourcePath string) (models.ETLJob, error) {
	job := models.ETLJob{Name: jobName, SourcePath: sourcePath, SourceType: "directory"}
	if err := c.repo.CreateJob(ctx, &job); err != nil {
		return job, fmt.Errorf("create job: %w", err)
	}

	if err := c.validate(); err != nil {
		return c.fail(ctx, job, err)
	}

	started := time.Now().UTC()
	job.StartedAt = &started
	if err := job.Transition(models.JobRunning); err != nil {
		return job, err
	}
	if err := c.repo.MarkJobRunning(ctx, job.ID, started); err != nil {
		return job, fmt.Errorf("mark running: %w", err)
	}

	snap, err := c.loadSnapshot(ctx)
	if err != nil {
		return c.fail(ctx, job, err)
	}

	stats := predict.NewStats()
	pairs, err := c.repo.IncidentPairCounts(ctx)
	if err != nil {
		return c.fail(ctx, job, fmt.Errorf("hydrate history: %w", err))
	}
	for _, pc := range pairs {
		stats.Add(pc.AnomalyID, pc.ProblemID, pc.Count)
	}

	scenarios, err := DiscoverScenarios(sourcePath)
	if err != nil {
		return c.fail(ctx, job, err)
	}
	c.logger.Info("job started",
		slog.Int64("job_id", job.ID),
		slog.Int("scenarios", len(scenarios)),
		slog.Int("templates", snap.Len()),
	)

	outcomes := c.runPool(ctx, scenarios, snap, stats)

	var fatal error
	for _, o := range outcomes {
		job.RecordsProcessed += o.processed
		job.RecordsLoaded += o.loaded
		job.ErrorsCount += o.errors
		if o.err != nil && fatal == nil {
			fatal = fmt.Errorf("scenario %s: %w", o.scenarioID, o.err)
		}
	}
	if fatal == nil {
		fatal = ctx.Err()
	}
	if fatal != nil {
		return c.fail(ctx, job, fatal)
	}

	completed := time.Now().UTC()
	job.CompletedAt = &completed
	if err := job.Transition(models.JobCompleted); err != nil {
		return job, err
	}
	if err := c.repo.FinishJob(ctx, job); err != nil {
		return job, fmt.Errorf("finish job: %w", err)
	}
	metrics.ObserveJob(completed.Sub(started), metrics.OutcomeSuccess)
	if count := c.latencies.Count(); count > 0 {
		c.logger.Info("scenario latency",
			slog.Duration("p95", c.latencies.Percentile(95)),
			slog.Int("samples", count),
		)
	}
	c.logger.Info("job completed",
		slog.Int64("job_id", job.ID),
		slog.Int64("processed", job.RecordsProcessed),
		slog.Int64("loaded", job.RecordsLoaded),
		slog.Int64("errors", job.ErrorsCount),
	)
	return job, nil
}

// validate rejects engine settings the pipeline cannot run with. The config
// loader applies the same ranges, but the coordinator may be handed a
// hand-built EngineConfig and misconfiguration must fail the job at start.
func (c *Coordinator) validate() error {
	if c.cfg.Window <= 0 {
		return fmt.Errorf("correlation window must be positive, got %s", c.cfg.Window)
	}
	if c.cfg.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.cfg.Workers)
	}
	if c.cfg.ClassifyThreshold <= 0 || c.cfg.ClassifyThreshold > 1 {
		return fmt.Errorf("classify threshold must be in (0,1], got %g", c.cfg.ClassifyThreshold)
	}
	if c.cfg.Alpha < 0 || c.cfg.Alpha > 1 {
		return fmt.Errorf("alpha must be in [0,1], got %g", c.cfg.Alpha)
	}
	if c.cfg.ErrorWeight < 0 || c.cfg.WarningWeight < 0 {
		return fmt.Errorf("impact weights must be non-negative, got %g/%g", c.cfg.ErrorWeight, c.cfg.WarningWeight)
	}
	if c.cfg.ConfidenceThreshold <= 0 || c.cfg.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in (0,1], got %g", c.cfg.ConfidenceThreshold)
	}
	if c.cfg.MinSupport < 0 {
		return fmt.Errorf("minimum support must be non-negative, got %d", c.cfg.MinSupport)
	}
	return nil
}

func (c *Coordinator) loadSnapshot(ctx context.Context) (*templates.Snapshot, error) {
	list, err := templates.LoadCSV(c.templates)
	if err != nil {
		return nil, err
	}
	return templates.NewSnapshot(ctx, list, c.classifier.Embedder())
}

func (c *Coordinator) fail(ctx context.Context, job models.ETLJob, cause error) (models.ETLJob, error) {
	cause = utils.NewAppError("run job", job.Name, cause)
	now := time.Now().UTC()
	job.CompletedAt = &now
	job.ErrorMessage = cause.Error()
	if err := job.Transition(models.JobFailed); err != nil {
		return job, errors.Join(cause, err)
	}
	// Persist the failure with a fresh context so cancellation does not also
	// lose the job record.
	finishCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := c.repo.FinishJob(finishCtx, job); err != nil {
		c.logger.Error("persist failed job", slog.Any("error", err))
	}
	if job.StartedAt != nil {
		metrics.ObserveJob(now.Sub(*job.StartedAt), metrics.OutcomeError)
	}
	c.logger.Error("job failed", slog.Int64("job_id", job.ID), slog.Any("error", cause))
	return job, cause
}

// runPool processes scenarios on a bounded worker pool. Partitions are
// independent: each owns its correlator and predictor and only the
// co-occurrence table is shared.
func (c *Coordinator) runPool(ctx context.Context, scenarios []Scenario, snap *templates.Snapshot, stats *predict.Stats) []scenarioOutcome {
	workers := c.cfg.Workers
	if workers > len(scenarios) {
		workers = len(scenarios)
	}

	work := make(chan Scenario)
	results := make(chan scenarioOutcome, len(scenarios))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sc := range work {
				results <- c.processScenario(ctx, sc, snap, stats)
			}
		}()
	}

feed:
	for _, sc := range scenarios {
		select {
		case work <- sc:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()
	close(results)

	out := make([]scenarioOutcome, 0, len(scenarios))
	for o := range results {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].scenarioID < out[j].scenarioID })
	return out
}

// processScenario runs the full pipeline for one partition: parse, order,
// classify, correlate, predict, persist. Nothing is written unless the whole
// partition succeeds.
func (c *Coordinator) processScenario(ctx context.Context, sc Scenario, snap *templates.Snapshot, stats *predict.Stats) scenarioOutcome {
	outcome := scenarioOutcome{scenarioID: sc.ID}
	if err := ctx.Err(); err != nil {
		outcome.err = err
		return outcome
	}
	started := time.Now()

	entries, malformed, err := c.parseScenario(sc)
	if err != nil {
		outcome.err = err
		return outcome
	}
	outcome.processed = int64(len(entries)) + malformed
	outcome.errors = malformed

	canonical := make([]models.CanonicalLogEntry, 0, len(entries))
	for _, raw := range entries {
		ce, err := normalize.Normalize(raw)
		if err != nil {
			outcome.errors++
			metrics.ObserveSkipped("malformed")
			continue
		}
		metrics.ObserveEntry(string(ce.Level))
		canonical = append(canonical, ce)
	}

	classified, err := c.classifier.ClassifyBatch(ctx, canonical, snap)
	if err != nil {
		outcome.err = err
		return outcome
	}

	predictor := predict.New(sc.ID, predict.Config{
		Window:              c.cfg.Window,
		ConfidenceThreshold: c.cfg.ConfidenceThreshold,
		MinSupport:          c.cfg.MinSupport,
	}, stats, c.logger)
	collector := &verdictCollector{predictor: predictor}
	correlator := correlate.New(sc.ID, correlate.Config{
		Window:        c.cfg.Window,
		Alpha:         c.cfg.Alpha,
		ErrorWeight:   c.cfg.ErrorWeight,
		WarningWeight: c.cfg.WarningWeight,
		EmitUnmatched: c.cfg.EmitUnmatched,
	}, stats, collector, c.logger)

	for _, ce := range classified {
		if ce.Entry.Level == models.LevelWarning {
			predictor.ObserveWarning(ce)
		}
		correlator.Observe(ce)
	}
	correlator.Flush()
	alerts := predictor.Flush()
	for _, alert := range alerts {
		metrics.ObserveAlert(alert.IsVerified)
	}

	analysis := buildAnalysis(sc.ID, classified, snap.Model(), time.Since(started))
	loaded, err := c.repo.SaveScenario(ctx, store.ScenarioBatch{
		ScenarioID: sc.ID,
		Entries:    classified,
		Incidents:  collector.incidents,
		Anomalies:  collector.anomalies,
		Alerts:     alerts,
		Analysis:   analysis,
	})
	if err != nil {
		outcome.err = fmt.Errorf("persist scenario: %w", err)
		return outcome
	}
	outcome.loaded = loaded
	c.latencies.Observe(time.Since(started))

	c.logger.Debug("scenario processed",
		slog.String("scenario", sc.ID),
		slog.Int("entries", len(classified)),
		slog.Int("incidents", len(collector.incidents)),
		slog.Int("novel_anomalies", len(collector.anomalies)),
		slog.Int("alerts", len(alerts)),
		slog.Int64("loaded", loaded),
	)
	return outcome
}

// parseScenario reads every file of the partition and returns entries in
// non-decreasing timestamp order, as the correlator requires. Files may
// interleave in time, so the merged slice is sorted with file name and line
// number as tie-breakers to keep replays byte-stable.
func (c *Coordinator) parseScenario(sc Scenario) ([]models.RawLogEntry, int64, error) {
	var entries []models.RawLogEntry
	var malformed int64

	for _, path := range sc.Files {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, fmt.Errorf("open %s: %w", path, err)
		}
		name := filepath.Base(path)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for lineNo := 1; scanner.Scan(); lineNo++ {
			raw, matched, err := normalize.ParseLine(sc.ID, name, lineNo, scanner.Text())
			if err != nil {
				malformed++
				metrics.ObserveSkipped("malformed")
				continue
			}
			if !matched {
				metrics.ObserveSkipped("unstructured")
				continue
			}
			if c.cfg.SkipInfo && (raw.Level == models.LevelInfo || raw.Level == models.LevelDebug) {
				metrics.ObserveSkipped("level_filtered")
				continue
			}
			entries = append(entries, raw)
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("scan %s: %w", path, err)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		if entries[i].FileName != entries[j].FileName {
			return entries[i].FileName < entries[j].FileName
		}
		return entries[i].LineNumber < entries[j].LineNumber
	})
	return entries, malformed, nil
}

// verdictCollector is the correlator sink for one partition. Incidents feed
// the predictor immediately so alert verification sees them in stream order.
type verdictCollector struct {
	predictor *predict.ScenarioPredictor
	incidents []models.Incident
	anomalies []models.NovelAnomaly
}

func (v *verdictCollector) OnIncident(incident models.Incident) {
	v.incidents = append(v.incidents, incident)
	v.predictor.OnIncident(incident)
	metrics.ObserveIncident()
}

func (v *verdictCollector) OnNovelAnomaly(anomaly models.NovelAnomaly) {
	v.anomalies = append(v.anomalies, anomaly)
	metrics.ObserveNovelAnomaly()
}

func buildAnalysis(scenarioID string, classified []models.ClassifiedEntry, model string, took time.Duration) models.AnalysisResult {
	a := models.AnalysisResult{
		ScenarioID:            scenarioID,
		AnalysisDate:          time.Now().UTC(),
		ModelUsed:             model,
		ProcessingDurationSec: took.Seconds(),
	}
	problems := make(map[int64]struct{})
	anomalies := make(map[int64]struct{})
	for _, ce := range classified {
		a.TotalLogs++
		if a.TimeRangeStart.IsZero() || ce.Entry.Timestamp.Before(a.TimeRangeStart) {
			a.TimeRangeStart = ce.Entry.Timestamp
		}
		if ce.Entry.Timestamp.After(a.TimeRangeEnd) {
			a.TimeRangeEnd = ce.Entry.Timestamp
		}
		switch ce.Entry.Level {
		case models.LevelError:
			a.TotalErrors++
			if ce.Result.Matched() {
				problems[ce.Result.TemplateID] = struct{}{}
			}
		case models.LevelWarning:
			a.TotalWarnings++
			if ce.Result.Matched() {
				anomalies[ce.Result.TemplateID] = struct{}{}
			}
		}
	}
	a.UniqueProblems = int64(len(problems))
	a.UniqueAnomalies = int64(len(anomalies))

	summary := map[string]any{
		"scenario_id":      scenarioID,
		"total_logs":       a.TotalLogs,
		"total_errors":     a.TotalErrors,
		"total_warnings":   a.TotalWarnings,
		"unique_problems":  a.UniqueProblems,
		"unique_anomalies": a.UniqueAnomalies,
		"model_used":       model,
	}
	if payload, err := json.Marshal(summary); err == nil {
		a.ResultJSON = string(payload)
	} else {
		a.ResultJSON = "{}"
	}
	return a
}
