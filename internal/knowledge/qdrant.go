package knowledge

import (
	"context"
	"fmt"
	"sort"

	"github.com/qdrant/go-client/qdrant"

	"github.com/memohai/chatgate/internal/config"
)

const qdrantPageSize = 256

// Payload keys of knowledge points.
const (
	payloadBotID    = "bot_id"
	payloadStatus   = "status"
	payloadText     = "text"
	payloadPosition = "position"
)

// Scroller pages through a collection. *qdrant.Client implements it.
type Scroller interface {
	ScrollAndOffset(ctx context.Context, request *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error)
}

// QdrantSource reads knowledge points from a Qdrant collection. Points carry
// bot_id, status, text and position payload fields.
type QdrantSource struct {
	client     Scroller
	collection string
}

func NewQdrantSource(client Scroller, collection string) *QdrantSource {
	if collection == "" {
		collection = config.DefaultQdrantCollection
	}
	return &QdrantSource{client: client, collection: collection}
}

// NewQdrantClient dials the configured Qdrant instance.
func NewQdrantClient(cfg config.QdrantConfig) (*qdrant.Client, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	return client, nil
}

func (s *QdrantSource) Vectors(ctx context.Context, botID string) ([]Vector, error) {
	type positioned struct {
		position int64
		vector   Vector
	}
	var (
		points []positioned
		offset *qdrant.PointId
	)
	for {
		page, next, err := s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{
					qdrant.NewMatch(payloadBotID, botID),
					qdrant.NewMatch(payloadStatus, "completed"),
				},
			},
			Offset:      offset,
			Limit:       qdrant.PtrOf(uint32(qdrantPageSize)),
			WithPayload: qdrant.NewWithPayload(true),
			WithVectors: qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll knowledge points: %w", err)
		}
		for _, p := range page {
			values := denseVector(p)
			if len(values) == 0 {
				continue
			}
			payload := p.GetPayload()
			points = append(points, positioned{
				position: payload[payloadPosition].GetIntegerValue(),
				vector: Vector{
					Text:   payload[payloadText].GetStringValue(),
					Values: values,
				},
			})
		}
		if next == nil || len(page) == 0 {
			break
		}
		offset = next
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].position < points[j].position
	})
	out := make([]Vector, len(points))
	for i, p := range points {
		out[i] = p.vector
	}
	return out, nil
}

func denseVector(p *qdrant.RetrievedPoint) []float32 {
	v := p.GetVectors().GetVector()
	if dense := v.GetDense(); dense != nil {
		return dense.GetData()
	}
	return v.GetData()
}
