package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/logprism/logprism/internal/cache"
	"github.com/logprism/logprism/internal/embed"
	"github.com/logprism/logprism/internal/models"
	"github.com/logprism/logprism/internal/templates"
)

// Options tune the classifier.
type Options struct {
	// Threshold is the minimum cosine similarity for a match (default 0.75).
	Threshold float64
	// Epsilon is the tie-break tolerance; similarities within Epsilon of the
	// maximum resolve to the lowest template id.
	Epsilon float64
	// CacheTTL bounds how long embedding vectors stay cached.
	CacheTTL time.Duration
}

// Classifier matches canonical entries against a template snapshot by
// embedding cosine similarity. It is stateless across entries and safe for
// concurrent use with a shared snapshot.
type Classifier struct {
	embedder embed.Embedder
	cache    cache.Provider
	logger   *slog.Logger
	opts     Options
}

// New constructs a Classifier. cacheProvider may be nil to disable caching.
func New(embedder embed.Embedder, cacheProvider cache.Provider, logger *slog.Logger, opts Options) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.75
	}
	if opts.Epsilon <= 0 {
		opts.Epsilon = 1e-9
	}
	return &Classifier{embedder: embedder, cache: cacheProvider, logger: logger, opts: opts}
}

// Embedder exposes the backend so callers can embed template patterns with
// the same model the classifier scores with.
func (c *Classifier) Embedder() embed.Embedder { return c.embedder }

// ClassifyBatch embeds the generalized messages in one call and scores each
// entry against the snapshot. Entries whose level has no template family
// (INFO, DEBUG) come back unmatched with score zero. Embedding failure is
// returned as-is so the job layer can treat it as fatal.
func (c *Classifier) ClassifyBatch(ctx context.Context, entries []models.CanonicalLogEntry, snap *templates.Snapshot) ([]models.ClassifiedEntry, error) {
	vectors, err := c.embedAll(ctx, entries)
	if err != nil {
		return nil, err
	}

	out := make([]models.ClassifiedEntry, len(entries))
	for i, entry := range entries {
		out[i] = models.ClassifiedEntry{
			Entry:  entry,
			Result: c.score(entry, vectors[i], snap),
		}
	}
	return out, nil
}

// Classify scores a single entry. Deterministic: the same entry and snapshot
// always yield the same result.
func (c *Classifier) Classify(ctx context.Context, entry models.CanonicalLogEntry, snap *templates.Snapshot) (models.ClassificationResult, error) {
	batch, err := c.ClassifyBatch(ctx, []models.CanonicalLogEntry{entry}, snap)
	if err != nil {
		return models.ClassificationResult{}, err
	}
	return batch[0].Result, nil
}

func (c *Classifier) score(entry models.CanonicalLogEntry, vector []float32, snap *templates.Snapshot) models.ClassificationResult {
	result := models.ClassificationResult{ModelUsed: c.embedder.Model()}

	kind, ok := models.KindForLevel(entry.Level)
	if !ok || vector == nil {
		return result
	}

	bestID := int64(0)
	bestSim := math.Inf(-1)
	// Snapshot templates are ordered by ascending id: a later template only
	// displaces the incumbent when it beats it by more than epsilon, which
	// resolves ties to the lowest id.
	for _, tpl := range snap.Templates(kind) {
		ref, ok := snap.EmbeddingOf(tpl.ID)
		if !ok {
			continue
		}
		sim := cosineSimilarity(vector, ref)
		if sim > bestSim+c.opts.Epsilon {
			bestSim = sim
			bestID = tpl.ID
		}
	}

	if bestID == 0 {
		return result
	}

	score := clampUnit(bestSim)
	if score >= c.opts.Threshold {
		result.TemplateID = bestID
	}
	result.Score = score
	return result
}

// embedAll resolves one vector per entry, consulting the cache before the
// embedder and only embedding the misses.
func (c *Classifier) embedAll(ctx context.Context, entries []models.CanonicalLogEntry) ([][]float32, error) {
	vectors := make([][]float32, len(entries))
	missIdx := make([]int, 0, len(entries))
	missTexts := make([]string, 0, len(entries))

	for i, entry := range entries {
		if _, ok := models.KindForLevel(entry.Level); !ok {
			continue
		}
		if cached, err := c.cache.Get(ctx, c.cacheKey(entry.GeneralizedMessage)); err == nil {
			var vec []float32
			if json.Unmarshal(cached, &vec) == nil && len(vec) == c.embedder.Dim() {
				vectors[i] = vec
				continue
			}
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn("embedding cache read failed", slog.Any("error", err))
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, entry.GeneralizedMessage)
	}

	if len(missTexts) == 0 {
		return vectors, nil
	}

	embedded, err := c.embedder.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, fmt.Errorf("embed batch of %d: %w", len(missTexts), err)
	}
	if len(embedded) != len(missTexts) {
		return nil, fmt.Errorf("%w: expected %d vectors, got %d", embed.ErrUnavailable, len(missTexts), len(embedded))
	}

	for j, i := range missIdx {
		vectors[i] = embedded[j]
		if payload, err := json.Marshal(embedded[j]); err == nil {
			if err := c.cache.Set(ctx, c.cacheKey(missTexts[j]), payload, c.opts.CacheTTL); err != nil {
				c.logger.Warn("embedding cache write failed", slog.Any("error", err))
			}
		}
	}
	return vectors, nil
}

func (c *Classifier) cacheKey(generalized string) string {
	sum := sha256.Sum256([]byte(generalized))
	return "emb:" + c.embedder.Model() + ":" + hex.EncodeToString(sum[:])
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
