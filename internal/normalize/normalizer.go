package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/logprism/logprism/internal/models"
)

// timestampLayout is the layout emitted by the upstream log producers.
const timestampLayout = "2006-01-02T15:04:05"

// lineRE captures the generic record grammar: TIMESTAMP LEVEL CATEGORY: MESSAGE.
var lineRE = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})\s+(\w+)\s+([^:]+):\s+(.*)$`)

// Masking patterns, applied in order. Every placeholder is a plain lowercase
// word so a generalized message re-generalizes to itself.
var (
	isoTimestampRE = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:z|[+-]\d{2}:?\d{2})?\b`)
	ipv4RE         = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	uuidRE         = regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexRE          = regexp.MustCompile(`\b0x[0-9a-f]+\b|\b[0-9a-f]{16,}\b`)
	pathRE         = regexp.MustCompile(`(?:/[\w.:-]+){2,}/?`)
	numberRE       = regexp.MustCompile(`\b\d+\b`)
	punctRE        = regexp.MustCompile(`[^\w\s]`)
	spaceRE        = regexp.MustCompile(`\s+`)
)

// MalformedEntryError reports an entry that cannot be normalised. Such
// entries are dropped and counted, never forwarded.
type MalformedEntryError struct {
	Reason string
	Line   string
}

func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("malformed entry: %s", e.Reason)
}

// ParseLine parses one raw log line into a RawLogEntry. The boolean is false
// for lines that do not follow the record grammar at all (continuation
// lines, blank lines); those are not errors. A line that matches the grammar
// but carries an unrecognised level or unparseable timestamp returns a
// *MalformedEntryError.
func ParseLine(scenarioID, fileName string, lineNumber int, line string) (models.RawLogEntry, bool, error) {
	trimmed := strings.TrimSpace(line)
	m := lineRE.FindStringSubmatch(trimmed)
	if m == nil {
		return models.RawLogEntry{}, false, nil
	}

	level, ok := models.ParseLevel(m[2])
	if !ok {
		return models.RawLogEntry{}, true, &MalformedEntryError{Reason: fmt.Sprintf("unknown level %q", m[2]), Line: trimmed}
	}
	ts, err := time.Parse(timestampLayout, m[1])
	if err != nil {
		return models.RawLogEntry{}, true, &MalformedEntryError{Reason: fmt.Sprintf("bad timestamp %q", m[1]), Line: trimmed}
	}

	return models.RawLogEntry{
		ScenarioID: scenarioID,
		Timestamp:  ts.UTC(),
		Level:      level,
		Category:   strings.TrimSpace(m[3]),
		Message:    m[4],
		RawLine:    trimmed,
		FileName:   fileName,
		LineNumber: lineNumber,
	}, true, nil
}

// Normalize turns a raw entry into its canonical form. It is pure and
// deterministic; re-normalizing the generalized message is a fixed point.
func Normalize(raw models.RawLogEntry) (models.CanonicalLogEntry, error) {
	if _, ok := models.ParseLevel(string(raw.Level)); !ok {
		return models.CanonicalLogEntry{}, &MalformedEntryError{Reason: fmt.Sprintf("unknown level %q", raw.Level), Line: raw.RawLine}
	}
	if raw.Timestamp.IsZero() {
		return models.CanonicalLogEntry{}, &MalformedEntryError{Reason: "zero timestamp", Line: raw.RawLine}
	}
	return models.CanonicalLogEntry{
		RawLogEntry:        raw,
		GeneralizedMessage: Generalize(raw.Message),
	}, nil
}

// Generalize masks variable substrings so that two messages differing only in
// volatile data collapse to the same string. Token classes each map to a
// fixed placeholder word.
func Generalize(message string) string {
	text := strings.ToLower(message)
	text = isoTimestampRE.ReplaceAllString(text, " timestamp ")
	text = ipv4RE.ReplaceAllString(text, " ip_address ")
	text = uuidRE.ReplaceAllString(text, " hex_value ")
	text = hexRE.ReplaceAllString(text, " hex_value ")
	text = pathRE.ReplaceAllString(text, " file_path ")
	text = numberRE.ReplaceAllString(text, " number ")
	text = punctRE.ReplaceAllString(text, " ")
	text = spaceRE.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
