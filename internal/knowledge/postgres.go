package knowledge

import (
	"context"
	"fmt"

	"github.com/memohai/chatgate/internal/db"
)

// PostgresSource reads vectors from knowledge_vectors.
type PostgresSource struct {
	queries db.DBTX
}

func NewPostgresSource(queries db.DBTX) *PostgresSource {
	return &PostgresSource{queries: queries}
}

func (s *PostgresSource) Vectors(ctx context.Context, botID string) ([]Vector, error) {
	rows, err := s.queries.Query(ctx,
		`SELECT v.text, v.vector
		 FROM knowledge_vectors v
		 JOIN knowledge_sources k ON k.id = v.knowledge_id
		 WHERE k.bot_id = $1::uuid AND k.status = 'completed'
		 ORDER BY v.id`,
		botID,
	)
	if err != nil {
		return nil, fmt.Errorf("query knowledge vectors: %w", err)
	}
	defer rows.Close()
	out := make([]Vector, 0)
	for rows.Next() {
		var v Vector
		if err := rows.Scan(&v.Text, &v.Values); err != nil {
			return nil, fmt.Errorf("scan knowledge vector: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query knowledge vectors: %w", err)
	}
	return out, nil
}
