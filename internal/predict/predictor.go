package predict

import (
	"log/slog"
	"time"

	"github.com/logprism/logprism/internal/models"
)

// Config tunes alert emission.
type Config struct {
	// Window is the verification horizon after a trigger warning.
	Window time.Duration
	// ConfidenceThreshold is the minimum historical confidence to alert.
	ConfidenceThreshold float64
	// MinSupport is the minimum count(anomaly→*) before alerting at all.
	MinSupport int64
}

// ScenarioPredictor turns recognised precursor warnings into predictive
// alerts and verifies them against incidents the correlator emits. One
// instance serves one scenario partition on a single goroutine; the shared
// Stats table carries history across scenarios.
type ScenarioPredictor struct {
	cfg        Config
	scenarioID string
	stats      *Stats
	logger     *slog.Logger
	now        func() time.Time

	alerts []*models.PredictiveAlert
}

// New constructs a predictor for one scenario partition.
func New(scenarioID string, cfg Config, stats *Stats, logger *slog.Logger) *ScenarioPredictor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.6
	}
	if cfg.MinSupport <= 0 {
		cfg.MinSupport = 5
	}
	return &ScenarioPredictor{
		cfg:        cfg,
		scenarioID: scenarioID,
		stats:      stats,
		logger:     logger,
		now:        time.Now,
	}
}

// ObserveWarning inspects a classified warning and emits an alert when the
// anomaly's history clears both the confidence and support thresholds. The
// confidence is frozen at creation time.
func (p *ScenarioPredictor) ObserveWarning(classified models.ClassifiedEntry) {
	if classified.Entry.Level != models.LevelWarning || !classified.Result.Matched() {
		return
	}
	anomalyID := classified.Result.TemplateID
	if p.stats.Support(anomalyID) < p.cfg.MinSupport {
		return
	}
	problemID, confidence := p.stats.BestProblem(anomalyID)
	if problemID == 0 || confidence < p.cfg.ConfidenceThreshold {
		return
	}

	p.alerts = append(p.alerts, &models.PredictiveAlert{
		ScenarioID:         p.scenarioID,
		TriggerAnomalyID:   anomalyID,
		TriggerLog:         classified.Entry,
		TriggerTimestamp:   classified.Entry.Timestamp,
		PredictedProblemID: problemID,
		Confidence:         confidence,
		Window:             p.cfg.Window,
		CreatedAt:          p.now().UTC(),
	})
	p.logger.Debug("predictive alert raised",
		slog.String("scenario", p.scenarioID),
		slog.Int64("anomaly_id", anomalyID),
		slog.Int64("predicted_problem_id", problemID),
		slog.Float64("confidence", confidence),
	)
}

// OnIncident folds a correlator verdict into the co-occurrence table and
// verifies any open alert the incident confirms. Verified alerts are
// immutable afterwards.
func (p *ScenarioPredictor) OnIncident(incident models.Incident) {
	p.stats.Record(incident.AnomalyID, incident.ProblemID)

	for _, alert := range p.alerts {
		if alert.IsVerified {
			continue
		}
		if alert.TriggerAnomalyID != incident.AnomalyID || alert.PredictedProblemID != incident.ProblemID {
			continue
		}
		lead := incident.ErrorTimestamp.Sub(alert.TriggerTimestamp)
		if lead < 0 || lead > p.cfg.Window {
			continue
		}
		at := incident.ErrorTimestamp
		alert.IsVerified = true
		alert.VerifiedAt = &at
	}
}

// Flush returns the scenario's alerts in emission order. Unverified alerts
// stay unverified; expiry is inferred from age at read time, never stored.
func (p *ScenarioPredictor) Flush() []models.PredictiveAlert {
	out := make([]models.PredictiveAlert, len(p.alerts))
	for i, alert := range p.alerts {
		out[i] = *alert
	}
	p.alerts = nil
	return out
}
