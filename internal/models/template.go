package models

// TemplateKind distinguishes the two signature families.
type TemplateKind string

const (
	// KindProblem signatures match ERROR entries.
	KindProblem TemplateKind = "problem"
	// KindAnomaly signatures match WARNING entries.
	KindAnomaly TemplateKind = "anomaly"
)

// KindForLevel returns the template family used to classify entries of the
// given level. The second return is false for levels that are never
// classified (INFO, DEBUG).
func KindForLevel(level Level) (TemplateKind, bool) {
	switch level {
	case LevelError:
		return KindProblem, true
	case LevelWarning:
		return KindAnomaly, true
	default:
		return "", false
	}
}

// Template is a known Problem or Anomaly signature. ID zero is reserved for
// "unmatched" and never appears on a stored template.
type Template struct {
	ID      int64
	Kind    TemplateKind
	Name    string
	Pattern string
	Version int
}
