package classify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/logprism/logprism/internal/embed"
	"github.com/logprism/logprism/internal/models"
	"github.com/logprism/logprism/internal/templates"
)

// stubEmbedder returns canned vectors per text so similarity is controlled
// exactly. Unknown texts embed to a constant vector.
type stubEmbedder struct {
	vectors map[string][]float32
	batches int
	err     error
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.batches++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := s.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = []float32{1, 0, 0}
		}
	}
	return out, nil
}

func (s *stubEmbedder) Dim() int      { return 3 }
func (s *stubEmbedder) Model() string { return "stub-v1" }
func (s *stubEmbedder) Close() error  { return nil }

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryCache() *memoryCache { return &memoryCache{data: make(map[string][]byte)} }

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return nil, errors.New("cache miss")
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryCache) Close() error { return nil }

func entry(level models.Level, generalized string) models.CanonicalLogEntry {
	return models.CanonicalLogEntry{
		RawLogEntry: models.RawLogEntry{
			ScenarioID: "scn",
			Timestamp:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			Level:      level,
			Message:    generalized,
		},
		GeneralizedMessage: generalized,
	}
}

func snapshot(t *testing.T, e embed.Embedder, list []models.Template) *templates.Snapshot {
	t.Helper()
	snap, err := templates.NewSnapshot(context.Background(), list, e)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func TestClassifyMatchesAboveThreshold(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float32{
		"disk full":           {1, 0, 0},
		"connection refused":  {0, 1, 0},
		"disk almost full ok": {0.9, 0.1, 0},
	}}
	snap := snapshot(t, e, []models.Template{
		{ID: 1, Kind: models.KindProblem, Pattern: "disk full"},
		{ID: 2, Kind: models.KindProblem, Pattern: "connection refused"},
	})
	c := New(e, nil, nil, Options{})

	res, err := c.Classify(context.Background(), entry(models.LevelError, "disk almost full ok"), snap)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.TemplateID != 1 {
		t.Errorf("template = %d, want 1", res.TemplateID)
	}
	if res.Score < 0.75 {
		t.Errorf("score = %f, want >= 0.75", res.Score)
	}
	if res.ModelUsed != "stub-v1" {
		t.Errorf("model = %q", res.ModelUsed)
	}
}

func TestClassifyBelowThresholdKeepsScore(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float32{
		"disk full": {1, 0, 0},
		"unrelated": {0.3, 0.954, 0},
	}}
	snap := snapshot(t, e, []models.Template{
		{ID: 1, Kind: models.KindProblem, Pattern: "disk full"},
	})
	c := New(e, nil, nil, Options{})

	res, err := c.Classify(context.Background(), entry(models.LevelError, "unrelated"), snap)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Matched() {
		t.Errorf("unexpected match: template %d", res.TemplateID)
	}
	if res.Score <= 0 {
		t.Error("best below-threshold similarity should be preserved")
	}
}

func TestClassifyTieResolvesToLowestID(t *testing.T) {
	same := []float32{0, 1, 0}
	e := &stubEmbedder{vectors: map[string][]float32{
		"pattern one": same,
		"pattern two": same,
		"query":       same,
	}}
	snap := snapshot(t, e, []models.Template{
		{ID: 9, Kind: models.KindAnomaly, Pattern: "pattern one"},
		{ID: 4, Kind: models.KindAnomaly, Pattern: "pattern two"},
	})
	c := New(e, nil, nil, Options{})

	for i := 0; i < 5; i++ {
		res, err := c.Classify(context.Background(), entry(models.LevelWarning, "query"), snap)
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		if res.TemplateID != 4 {
			t.Fatalf("run %d: template = %d, want lowest id 4", i, res.TemplateID)
		}
	}
}

func TestClassifyInfoIsNeverMatched(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float32{}}
	snap := snapshot(t, e, []models.Template{
		{ID: 1, Kind: models.KindProblem, Pattern: "disk full"},
	})
	c := New(e, nil, nil, Options{})
	before := e.batches

	res, err := c.Classify(context.Background(), entry(models.LevelInfo, "disk full"), snap)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Matched() || res.Score != 0 {
		t.Errorf("info entry classified: %+v", res)
	}
	if e.batches != before {
		t.Error("info entries should not be embedded")
	}
}

func TestClassifyBatchUsesCache(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float32{
		"disk full": {1, 0, 0},
	}}
	snap := snapshot(t, e, []models.Template{
		{ID: 1, Kind: models.KindProblem, Pattern: "disk full"},
	})
	c := New(e, newMemoryCache(), nil, Options{CacheTTL: time.Minute})

	in := []models.CanonicalLogEntry{entry(models.LevelError, "disk full")}
	if _, err := c.ClassifyBatch(context.Background(), in, snap); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	batchesAfterFirst := e.batches
	if _, err := c.ClassifyBatch(context.Background(), in, snap); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if e.batches != batchesAfterFirst {
		t.Errorf("second batch hit the embedder (%d -> %d)", batchesAfterFirst, e.batches)
	}
}

func TestClassifyBatchPropagatesEmbedderFailure(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float32{"disk full": {1, 0, 0}}}
	snap := snapshot(t, e, []models.Template{
		{ID: 1, Kind: models.KindProblem, Pattern: "disk full"},
	})
	e.err = embed.ErrUnavailable
	c := New(e, nil, nil, Options{})

	_, err := c.ClassifyBatch(context.Background(), []models.CanonicalLogEntry{entry(models.LevelError, "x")}, snap)
	if !errors.Is(err, embed.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
