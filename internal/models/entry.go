package models

import "time"

// Level enumerates recognised log severities.
type Level string

const (
	LevelError   Level = "ERROR"
	LevelWarning Level = "WARNING"
	LevelInfo    Level = "INFO"
	LevelDebug   Level = "DEBUG"
)

// ParseLevel maps a raw severity token onto a Level. The second return is
// false for anything outside the four recognised values.
func ParseLevel(s string) (Level, bool) {
	switch Level(s) {
	case LevelError, LevelWarning, LevelInfo, LevelDebug:
		return Level(s), true
	default:
		return "", false
	}
}

// RawLogEntry is one ingested log line, immutable once created.
type RawLogEntry struct {
	ScenarioID string
	Timestamp  time.Time
	Level      Level
	Category   string
	Message    string
	RawLine    string
	FileName   string
	LineNumber int
}

// CanonicalLogEntry is the normalised form of a RawLogEntry. The generalized
// message is derived deterministically from Message and is the unit of
// semantic matching.
type CanonicalLogEntry struct {
	RawLogEntry
	GeneralizedMessage string
}

// ClassificationResult is the outcome of matching one canonical entry against
// a template snapshot. TemplateID zero means no template cleared the
// threshold; Score still reports the best similarity seen.
type ClassificationResult struct {
	TemplateID int64
	Score      float64
	ModelUsed  string
}

// Matched reports whether a template cleared the classification threshold.
func (r ClassificationResult) Matched() bool { return r.TemplateID > 0 }

// ClassifiedEntry pairs a canonical entry with its classification.
type ClassifiedEntry struct {
	Entry  CanonicalLogEntry
	Result ClassificationResult
}
