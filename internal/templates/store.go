package templates

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/logprism/logprism/internal/embed"
	"github.com/logprism/logprism/internal/models"
	"github.com/logprism/logprism/internal/normalize"
)

// ErrStoreUnavailable signals that the knowledge base cannot be loaded. It is
// fatal for the job attempt.
var ErrStoreUnavailable = errors.New("template store unavailable")

// Snapshot is an immutable per-attempt view of the known Problem and Anomaly
// signatures with their reference embeddings. It is safe for unsynchronised
// concurrent reads; nothing writes to it after construction.
type Snapshot struct {
	problems   []models.Template
	anomalies  []models.Template
	embeddings map[int64][]float32
	model      string
}

// LoadCSV reads the knowledge base file. Expected columns:
// id, kind, name, pattern. A header row is detected and skipped.
func LoadCSV(path string) ([]models.Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 4

	var out []models.Template
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrStoreUnavailable, path, err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "id") {
			continue
		}

		id, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: %s line %d: template id must be a positive integer", ErrStoreUnavailable, path, line)
		}
		kind, err := parseKind(record[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrStoreUnavailable, path, line, err)
		}
		out = append(out, models.Template{
			ID:      id,
			Kind:    kind,
			Name:    strings.TrimSpace(record[2]),
			Pattern: record[3],
			Version: 1,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s contains no templates", ErrStoreUnavailable, path)
	}
	return out, nil
}

func parseKind(s string) (models.TemplateKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "problem", "error":
		return models.KindProblem, nil
	case "anomaly", "warning":
		return models.KindAnomaly, nil
	default:
		return "", fmt.Errorf("unknown template kind %q", s)
	}
}

// NewSnapshot embeds every template's generalized pattern through the
// supplied embedder and freezes the result for the job attempt.
func NewSnapshot(ctx context.Context, list []models.Template, embedder embed.Embedder) (*Snapshot, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: empty template set", ErrStoreUnavailable)
	}

	texts := make([]string, len(list))
	for i, t := range list {
		texts[i] = normalize.Generalize(t.Pattern)
	}
	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed templates: %w", err)
	}
	if len(vectors) != len(list) {
		return nil, fmt.Errorf("embed templates: got %d vectors for %d templates", len(vectors), len(list))
	}

	snap := &Snapshot{
		embeddings: make(map[int64][]float32, len(list)),
		model:      embedder.Model(),
	}
	for i, t := range list {
		if _, dup := snap.embeddings[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate template id %d", ErrStoreUnavailable, t.ID)
		}
		snap.embeddings[t.ID] = vectors[i]
		switch t.Kind {
		case models.KindProblem:
			snap.problems = append(snap.problems, t)
		case models.KindAnomaly:
			snap.anomalies = append(snap.anomalies, t)
		}
	}
	sort.Slice(snap.problems, func(i, j int) bool { return snap.problems[i].ID < snap.problems[j].ID })
	sort.Slice(snap.anomalies, func(i, j int) bool { return snap.anomalies[i].ID < snap.anomalies[j].ID })
	return snap, nil
}

// Templates returns the snapshot's templates of one kind, ordered by id.
// Callers must not mutate the returned slice.
func (s *Snapshot) Templates(kind models.TemplateKind) []models.Template {
	if kind == models.KindProblem {
		return s.problems
	}
	return s.anomalies
}

// EmbeddingOf returns the reference vector for a template id.
func (s *Snapshot) EmbeddingOf(id int64) ([]float32, bool) {
	v, ok := s.embeddings[id]
	return v, ok
}

// Model names the embedding model the snapshot was built with.
func (s *Snapshot) Model() string { return s.model }

// Len reports the total number of templates in the snapshot.
func (s *Snapshot) Len() int { return len(s.problems) + len(s.anomalies) }
