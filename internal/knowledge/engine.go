package knowledge

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
)

// Engine ranks a bot's knowledge against a query.
type Engine struct {
	source   Source
	embedder QueryEmbedder
	topK     int
	logger   *slog.Logger
}

// NewEngine creates an Engine. topK <= 0 means DefaultTopK.
func NewEngine(log *slog.Logger, source Source, embedder QueryEmbedder, topK int) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Engine{
		source:   source,
		embedder: embedder,
		topK:     topK,
		logger:   log.With(slog.String("service", "knowledge")),
	}
}

// Retrieve returns at most k snippets ordered by non-increasing similarity;
// equal scores keep insertion order. It never fails: any error yields an
// empty result. k <= 0 uses the engine default.
func (e *Engine) Retrieve(ctx context.Context, botID, teamID, query string, k int) []Snippet {
	if k <= 0 {
		k = e.topK
	}
	query = strings.TrimSpace(query)
	if query == "" || strings.TrimSpace(botID) == "" {
		return []Snippet{}
	}
	log := e.logger.With(slog.String("bot_id", botID))

	vectors, err := e.source.Vectors(ctx, botID)
	if err != nil {
		log.Warn("load knowledge vectors failed", slog.Any("error", err))
		return []Snippet{}
	}
	if len(vectors) == 0 {
		return []Snippet{}
	}
	queryVector, err := e.embedder.EmbedQuery(ctx, teamID, query)
	if err != nil {
		log.Warn("embed query failed", slog.Any("error", err))
		return []Snippet{}
	}
	return Rank(queryVector, vectors, k)
}

// Rank scores vectors against query and keeps the best k. Vectors whose
// dimension differs from the query are skipped.
func Rank(query []float32, vectors []Vector, k int) []Snippet {
	scored := make([]Snippet, 0, len(vectors))
	for _, v := range vectors {
		if len(v.Values) != len(query) {
			continue
		}
		scored = append(scored, Snippet{Text: v.Text, Similarity: CosineSimilarity(query, v.Values)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// CosineSimilarity of two equal-length vectors; 0 when either has zero norm.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
