package correlate

import (
	"testing"
	"time"

	"github.com/logprism/logprism/internal/models"
)

type fakeHistory struct {
	confidence map[[2]int64]float64
}

func (f fakeHistory) Confidence(anomalyID, problemID int64) float64 {
	return f.confidence[[2]int64{anomalyID, problemID}]
}

func (f fakeHistory) BestProblem(anomalyID int64) (int64, float64) {
	var bestID int64
	var best float64
	for key, conf := range f.confidence {
		if key[0] != anomalyID {
			continue
		}
		if conf > best || (conf == best && (bestID == 0 || key[1] < bestID)) {
			bestID = key[1]
			best = conf
		}
	}
	return bestID, best
}

type recordingSink struct {
	incidents []models.Incident
	anomalies []models.NovelAnomaly
}

func (r *recordingSink) OnIncident(i models.Incident)     { r.incidents = append(r.incidents, i) }
func (r *recordingSink) OnNovelAnomaly(a models.NovelAnomaly) {
	r.anomalies = append(r.anomalies, a)
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func classifiedAt(level models.Level, templateID int64, score float64, at time.Time) models.ClassifiedEntry {
	return models.ClassifiedEntry{
		Entry: models.CanonicalLogEntry{
			RawLogEntry: models.RawLogEntry{
				ScenarioID: "scn",
				Timestamp:  at,
				Level:      level,
				Message:    "msg",
				RawLine:    "raw",
			},
			GeneralizedMessage: "msg",
		},
		Result: models.ClassificationResult{TemplateID: templateID, Score: score, ModelUsed: "stub-v1"},
	}
}

func TestCorrelateWarningThenError(t *testing.T) {
	sink := &recordingSink{}
	c := New("scn", Config{Window: 10 * time.Second}, nil, sink, nil)

	// Warning at t=95, matching error at t=100, window 10s.
	c.Observe(classifiedAt(models.LevelWarning, 7, 0.85, base.Add(95*time.Second)))
	c.Observe(classifiedAt(models.LevelError, 3, 0.90, base.Add(100*time.Second)))
	c.Flush()

	if len(sink.incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(sink.incidents))
	}
	inc := sink.incidents[0]
	if inc.ProblemID != 3 || inc.AnomalyID != 7 {
		t.Errorf("pair = (%d,%d), want (3,7)", inc.ProblemID, inc.AnomalyID)
	}
	if inc.ImpactScore <= 0 || inc.ImpactScore > 1 {
		t.Errorf("impact = %f, want in (0,1]", inc.ImpactScore)
	}
	if got := inc.TimeDelta(); got != 5*time.Second {
		t.Errorf("delta = %s, want 5s", got)
	}
	if len(sink.anomalies) != 0 {
		t.Errorf("novel anomalies = %d, want 0", len(sink.anomalies))
	}
}

func TestWarningOutsideWindowBecomesNovelAnomaly(t *testing.T) {
	sink := &recordingSink{}
	c := New("scn", Config{Window: 10 * time.Second}, nil, sink, nil)

	c.Observe(classifiedAt(models.LevelWarning, 7, 0.85, base))
	c.Observe(classifiedAt(models.LevelError, 3, 0.90, base.Add(30*time.Second)))
	c.Flush()

	if len(sink.incidents) != 0 {
		t.Fatalf("incidents = %d, want 0", len(sink.incidents))
	}
	if len(sink.anomalies) != 1 {
		t.Fatalf("novel anomalies = %d, want 1", len(sink.anomalies))
	}
	if sink.anomalies[0].Status != models.AnomalyStatusNew {
		t.Errorf("status = %s, want NEW", sink.anomalies[0].Status)
	}
}

func TestWarningConsumedOnlyOnce(t *testing.T) {
	sink := &recordingSink{}
	c := New("scn", Config{Window: 10 * time.Second}, nil, sink, nil)

	c.Observe(classifiedAt(models.LevelWarning, 7, 0.85, base))
	c.Observe(classifiedAt(models.LevelError, 3, 0.90, base.Add(2*time.Second)))
	c.Observe(classifiedAt(models.LevelError, 4, 0.90, base.Add(4*time.Second)))
	c.Flush()

	if len(sink.incidents) != 1 {
		t.Fatalf("incidents = %d, want 1: the precursor must not be double counted", len(sink.incidents))
	}
	if sink.incidents[0].ProblemID != 3 {
		t.Errorf("first error should consume the warning, got problem %d", sink.incidents[0].ProblemID)
	}
	if len(sink.anomalies) != 0 {
		t.Errorf("novel anomalies = %d, want 0", len(sink.anomalies))
	}
}

func TestHistoryBreaksProximityPreference(t *testing.T) {
	history := fakeHistory{confidence: map[[2]int64]float64{
		{7, 3}: 0.9,
		{8, 3}: 0.0,
	}}
	sink := &recordingSink{}
	c := New("scn", Config{Window: 10 * time.Second, Alpha: 0.6}, history, sink, nil)

	// Anomaly 8 is closer in time, but anomaly 7 has strong history.
	c.Observe(classifiedAt(models.LevelWarning, 7, 0.85, base))
	c.Observe(classifiedAt(models.LevelWarning, 8, 0.85, base.Add(4*time.Second)))
	c.Observe(classifiedAt(models.LevelError, 3, 0.90, base.Add(5*time.Second)))
	c.Flush()

	if len(sink.incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(sink.incidents))
	}
	if sink.incidents[0].AnomalyID != 7 {
		t.Errorf("anomaly = %d, want history-backed 7", sink.incidents[0].AnomalyID)
	}
	// The unconsumed warning resolves at flush.
	if len(sink.anomalies) != 1 || sink.anomalies[0].AnomalyID != 8 {
		t.Fatalf("expected warning 8 to become a novel anomaly, got %+v", sink.anomalies)
	}
}

func TestUnmatchedErrorEmitsNothingByDefault(t *testing.T) {
	sink := &recordingSink{}
	c := New("scn", Config{Window: 10 * time.Second}, nil, sink, nil)

	c.Observe(classifiedAt(models.LevelError, 3, 0.90, base))
	c.Flush()

	if len(sink.incidents) != 0 {
		t.Fatalf("incidents = %d, want 0 with EmitUnmatched off", len(sink.incidents))
	}
}

func TestUnmatchedErrorEmitsIncidentWhenConfigured(t *testing.T) {
	sink := &recordingSink{}
	c := New("scn", Config{Window: 10 * time.Second, EmitUnmatched: true}, nil, sink, nil)

	c.Observe(classifiedAt(models.LevelError, 3, 0.90, base))
	c.Flush()

	if len(sink.incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(sink.incidents))
	}
	if sink.incidents[0].AnomalyID != 0 {
		t.Errorf("anomaly = %d, want 0 for an unmatched incident", sink.incidents[0].AnomalyID)
	}
}

func TestUnmatchedWarningCarriesSimilarityScore(t *testing.T) {
	sink := &recordingSink{}
	c := New("scn", Config{Window: 10 * time.Second}, nil, sink, nil)

	// Below-threshold warning: template id 0 but a real similarity score.
	c.Observe(classifiedAt(models.LevelWarning, 0, 0.55, base))
	c.Flush()

	if len(sink.anomalies) != 1 {
		t.Fatalf("novel anomalies = %d, want 1", len(sink.anomalies))
	}
	if sink.anomalies[0].CorrelationScore != 0.55 {
		t.Errorf("correlation score = %f, want 0.55", sink.anomalies[0].CorrelationScore)
	}
}

func TestImpactDecreasesWithLead(t *testing.T) {
	runWithDelta := func(delta time.Duration) float64 {
		sink := &recordingSink{}
		c := New("scn", Config{Window: 10 * time.Second}, nil, sink, nil)
		c.Observe(classifiedAt(models.LevelWarning, 7, 0.85, base))
		c.Observe(classifiedAt(models.LevelError, 3, 0.90, base.Add(delta)))
		c.Flush()
		if len(sink.incidents) != 1 {
			t.Fatalf("incidents = %d, want 1", len(sink.incidents))
		}
		return sink.incidents[0].ImpactScore
	}

	near := runWithDelta(1 * time.Second)
	far := runWithDelta(9 * time.Second)
	if near <= far {
		t.Errorf("impact should fall with lead time: near=%f far=%f", near, far)
	}
}
