package correlate

import (
	"log/slog"
	"time"

	"github.com/logprism/logprism/internal/models"
)

// History supplies co-occurrence statistics accumulated from previously
// emitted incidents. The predictor implements it; a nil-safe zero
// implementation is used when no history exists yet.
type History interface {
	// Confidence returns count(anomaly→problem)/count(anomaly→*), zero when
	// the anomaly has no history.
	Confidence(anomalyID, problemID int64) float64
	// BestProblem returns the problem most often preceded by the anomaly and
	// its confidence; zero id when the anomaly has no history.
	BestProblem(anomalyID int64) (int64, float64)
}

// Sink receives correlation verdicts as they are reached. Emission is eager:
// every warning leaving the buffer gets exactly one verdict.
type Sink interface {
	OnIncident(incident models.Incident)
	OnNovelAnomaly(anomaly models.NovelAnomaly)
}

// Config tunes the correlation join.
type Config struct {
	// Window is the maximum precursor lead time W.
	Window time.Duration
	// Alpha weighs historical confidence against time proximity in the
	// candidate composite score.
	Alpha float64
	// ErrorWeight and WarningWeight shape the impact score.
	ErrorWeight   float64
	WarningWeight float64
	// EmitUnmatched controls whether an error with no candidate precursor
	// still produces an Incident with anomaly id zero.
	EmitUnmatched bool
}

// Correlator joins one scenario's classified ERROR and WARNING streams by
// time proximity. It requires entries in non-decreasing timestamp order and
// exactly one goroutine feeding it; state is scoped to the scenario and
// discarded after Flush.
type Correlator struct {
	cfg        Config
	scenarioID string
	history    History
	sink       Sink
	logger     *slog.Logger
	now        func() time.Time

	pending []pendingWarning
}

type pendingWarning struct {
	entry    models.ClassifiedEntry
	consumed bool
}

// New constructs a Correlator for one scenario. history may be nil.
func New(scenarioID string, cfg Config, history History, sink Sink, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if history == nil {
		history = noHistory{}
	}
	if cfg.ErrorWeight <= 0 && cfg.WarningWeight <= 0 {
		cfg.ErrorWeight, cfg.WarningWeight = 0.5, 0.5
	}
	return &Correlator{
		cfg:        cfg,
		scenarioID: scenarioID,
		history:    history,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
}

// Observe consumes the next classified entry in timestamp order.
func (c *Correlator) Observe(classified models.ClassifiedEntry) {
	c.expireBefore(classified.Entry.Timestamp.Add(-c.cfg.Window))

	switch classified.Entry.Level {
	case models.LevelWarning:
		c.pending = append(c.pending, pendingWarning{entry: classified})
	case models.LevelError:
		if classified.Result.Matched() {
			c.correlateError(classified)
		}
	}
}

// Flush resolves every warning still buffered at scenario end. The
// correlator must not be used afterwards.
func (c *Correlator) Flush() {
	for i := range c.pending {
		if !c.pending[i].consumed {
			c.emitNovelAnomaly(c.pending[i].entry)
		}
	}
	c.pending = nil
}

// expireBefore evicts warnings whose forward window closed before cutoff.
// Unconsumed ones become NovelAnomalies; nothing is silently dropped.
func (c *Correlator) expireBefore(cutoff time.Time) {
	kept := c.pending[:0]
	for _, pw := range c.pending {
		if pw.entry.Entry.Timestamp.Before(cutoff) {
			if !pw.consumed {
				c.emitNovelAnomaly(pw.entry)
			}
			continue
		}
		kept = append(kept, pw)
	}
	c.pending = kept
}

func (c *Correlator) correlateError(errEntry models.ClassifiedEntry) {
	t := errEntry.Entry.Timestamp
	bestIdx := -1
	bestScore := -1.0
	var bestDelta time.Duration

	for i := range c.pending {
		pw := &c.pending[i]
		if pw.consumed || !pw.entry.Result.Matched() {
			continue
		}
		delta := t.Sub(pw.entry.Entry.Timestamp)
		if delta < 0 || delta > c.cfg.Window {
			continue
		}
		score := c.compositeScore(pw.entry.Result.TemplateID, errEntry.Result.TemplateID, delta)
		// Ties resolve to the smaller time delta, then the lower anomaly id,
		// so replays produce identical incidents.
		if score > bestScore ||
			(score == bestScore && (delta < bestDelta ||
				(delta == bestDelta && pw.entry.Result.TemplateID < c.pending[bestIdx].entry.Result.TemplateID))) {
			bestIdx = i
			bestScore = score
			bestDelta = delta
		}
	}

	if bestIdx < 0 {
		if c.cfg.EmitUnmatched {
			c.sink.OnIncident(c.buildIncident(errEntry, models.ClassifiedEntry{}, 0))
		}
		return
	}

	c.pending[bestIdx].consumed = true
	warning := c.pending[bestIdx].entry
	c.sink.OnIncident(c.buildIncident(errEntry, warning, bestDelta))
}

func (c *Correlator) compositeScore(anomalyID, problemID int64, delta time.Duration) float64 {
	proximity := 1 - float64(delta)/float64(c.cfg.Window)
	return c.cfg.Alpha*c.history.Confidence(anomalyID, problemID) + (1-c.cfg.Alpha)*proximity
}

// buildIncident computes the impact score: increasing in both match scores
// and decreasing in the precursor lead time.
func (c *Correlator) buildIncident(errEntry, warnEntry models.ClassifiedEntry, delta time.Duration) models.Incident {
	warnScore := 0.0
	anomalyID := int64(0)
	warnTS := errEntry.Entry.Timestamp
	if warnEntry.Result.Matched() {
		warnScore = warnEntry.Result.Score
		anomalyID = warnEntry.Result.TemplateID
		warnTS = warnEntry.Entry.Timestamp
	}

	weighted := c.cfg.ErrorWeight*errEntry.Result.Score + c.cfg.WarningWeight*warnScore
	impact := weighted * (1 - float64(delta)/float64(c.cfg.Window))
	if impact < 0 {
		impact = 0
	}
	if impact > 1 {
		impact = 1
	}

	return models.Incident{
		ScenarioID:       c.scenarioID,
		ProblemID:        errEntry.Result.TemplateID,
		AnomalyID:        anomalyID,
		Error:            errEntry.Entry,
		Warning:          warnEntry.Entry,
		ErrorScore:       errEntry.Result.Score,
		WarningScore:     warnScore,
		ImpactScore:      impact,
		ErrorTimestamp:   errEntry.Entry.Timestamp,
		WarningTimestamp: warnTS,
		CreatedAt:        c.now().UTC(),
	}
}

func (c *Correlator) emitNovelAnomaly(warnEntry models.ClassifiedEntry) {
	anomaly := models.NovelAnomaly{
		ScenarioID:       c.scenarioID,
		Warning:          warnEntry.Entry,
		AnomalyID:        warnEntry.Result.TemplateID,
		TimeDeltaSeconds: c.cfg.Window.Seconds(),
		Status:           models.AnomalyStatusNew,
		CreatedAt:        c.now().UTC(),
	}
	if warnEntry.Result.Matched() {
		problemID, confidence := c.history.BestProblem(warnEntry.Result.TemplateID)
		anomaly.CorrelatedProblemID = problemID
		anomaly.CorrelationScore = confidence
	} else {
		// Unmatched warning: carry the best below-threshold similarity so
		// reviewers can judge how close it came to a known signature.
		anomaly.CorrelationScore = warnEntry.Result.Score
	}
	c.sink.OnNovelAnomaly(anomaly)
}

type noHistory struct{}

func (noHistory) Confidence(int64, int64) float64    { return 0 }
func (noHistory) BestProblem(int64) (int64, float64) { return 0, 0 }
