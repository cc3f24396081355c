package models

import "time"

// PredictiveAlert is a forward prediction that a recognised anomaly will be
// followed by a specific problem. Once verified it is immutable; expiry is a
// property computed from age, never a stored state.
type PredictiveAlert struct {
	ScenarioID         string
	TriggerAnomalyID   int64
	TriggerLog         CanonicalLogEntry
	TriggerTimestamp   time.Time
	PredictedProblemID int64
	Confidence         float64
	Window             time.Duration
	IsVerified         bool
	VerifiedAt         *time.Time
	CreatedAt          time.Time
}

// Expired reports whether the verification window has elapsed without a
// confirming incident, evaluated against the supplied clock.
func (a PredictiveAlert) Expired(now time.Time) bool {
	return !a.IsVerified && now.Sub(a.TriggerTimestamp) > a.Window
}
