package models

import "time"

// Incident is a correlated ERROR/WARNING pair believed to represent one
// failure event. AnomalyID is zero only when the engine is configured to
// emit errors without a known precursor.
type Incident struct {
	ScenarioID       string
	ProblemID        int64
	AnomalyID        int64
	Error            CanonicalLogEntry
	Warning          CanonicalLogEntry
	ErrorScore       float64
	WarningScore     float64
	ImpactScore      float64
	ErrorTimestamp   time.Time
	WarningTimestamp time.Time
	CreatedAt        time.Time
}

// TimeDelta returns the precursor lead time (error minus warning timestamp).
func (i Incident) TimeDelta() time.Duration {
	return i.ErrorTimestamp.Sub(i.WarningTimestamp)
}

// AnomalyStatus tracks triage of a NovelAnomaly.
type AnomalyStatus string

const (
	AnomalyStatusNew      AnomalyStatus = "NEW"
	AnomalyStatusReviewed AnomalyStatus = "REVIEWED"
)

// NovelAnomaly is a WARNING no Incident claimed within the correlation
// window. CorrelatedProblemID carries the historically most likely problem
// for the warning's template, zero when the template is unknown or has no
// history.
type NovelAnomaly struct {
	ScenarioID          string
	Warning             CanonicalLogEntry
	AnomalyID           int64
	CorrelatedProblemID int64
	CorrelationScore    float64
	TimeDeltaSeconds    float64
	Status              AnomalyStatus
	CreatedAt           time.Time
}
