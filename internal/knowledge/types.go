// Package knowledge retrieves the stored knowledge snippets most similar to an
// inbound message.
package knowledge

import "context"

// DefaultTopK is how many snippets a reply is augmented with.
const DefaultTopK = 3

// Snippet is one retrieved knowledge chunk.
type Snippet struct {
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// Vector is a stored knowledge chunk and its embedding.
type Vector struct {
	Text   string
	Values []float32
}

// Source lists the vectors of a bot's completed knowledge sources in
// insertion order.
type Source interface {
	Vectors(ctx context.Context, botID string) ([]Vector, error)
}

// QueryEmbedder embeds a query with the team's embedding provider.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, teamID, text string) ([]float32, error)
}
