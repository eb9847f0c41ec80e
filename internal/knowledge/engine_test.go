package knowledge

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/qdrant/go-client/qdrant"

	"github.com/memohai/chatgate/internal/db/dbtest"
)

type fakeSource struct {
	vectors []Vector
	err     error
}

func (f fakeSource) Vectors(context.Context, string) ([]Vector, error) {
	return f.vectors, f.err
}

type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) EmbedQuery(context.Context, string, string) ([]float32, error) {
	f.calls++
	return f.vector, f.err
}

func TestRetrieveOrdersAndBounds(t *testing.T) {
	t.Parallel()

	source := fakeSource{vectors: []Vector{
		{Text: "far", Values: []float32{0, 1}},
		{Text: "close-a", Values: []float32{1, 0.1}},
		{Text: "exact", Values: []float32{2, 0}},
		{Text: "close-b", Values: []float32{1, 0.1}},
		{Text: "opposite", Values: []float32{-1, 0}},
	}}
	engine := NewEngine(nil, source, &fakeEmbedder{vector: []float32{1, 0}}, 0)

	got := engine.Retrieve(context.Background(), "bot-1", "team-1", "hours?", 0)
	if len(got) != DefaultTopK {
		t.Fatalf("expected %d snippets, got %d", DefaultTopK, len(got))
	}
	want := []string{"exact", "close-a", "close-b"}
	for i, s := range got {
		if s.Text != want[i] {
			t.Fatalf("snippet %d = %q, want %q", i, s.Text, want[i])
		}
		if i > 0 && s.Similarity > got[i-1].Similarity {
			t.Fatalf("similarity increased at %d", i)
		}
	}
	if math.Abs(got[0].Similarity-1) > 1e-9 {
		t.Fatalf("expected exact match similarity 1, got %f", got[0].Similarity)
	}
}

func TestRetrieveDegradesToEmpty(t *testing.T) {
	t.Parallel()

	vectors := []Vector{{Text: "a", Values: []float32{1}}}
	cases := []struct {
		name     string
		source   Source
		embedder *fakeEmbedder
		query    string
	}{
		{name: "embedding failure", source: fakeSource{vectors: vectors}, embedder: &fakeEmbedder{err: errors.New("timeout")}, query: "q"},
		{name: "source failure", source: fakeSource{err: errors.New("db down")}, embedder: &fakeEmbedder{vector: []float32{1}}, query: "q"},
		{name: "no knowledge", source: fakeSource{}, embedder: &fakeEmbedder{vector: []float32{1}}, query: "q"},
		{name: "blank query", source: fakeSource{vectors: vectors}, embedder: &fakeEmbedder{vector: []float32{1}}, query: "  "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NewEngine(nil, tc.source, tc.embedder, 3).Retrieve(context.Background(), "bot-1", "team-1", tc.query, 3)
			if got == nil || len(got) != 0 {
				t.Fatalf("expected empty non-nil slice, got %#v", got)
			}
		})
	}
}

func TestRetrieveSkipsEmbeddingWithoutKnowledge(t *testing.T) {
	t.Parallel()

	embedder := &fakeEmbedder{vector: []float32{1}}
	NewEngine(nil, fakeSource{}, embedder, 3).Retrieve(context.Background(), "bot-1", "team-1", "hello", 3)
	if embedder.calls != 0 {
		t.Fatalf("expected no embedding call, got %d", embedder.calls)
	}
}

func TestRankSkipsMismatchedDimensions(t *testing.T) {
	t.Parallel()

	got := Rank([]float32{1, 0}, []Vector{
		{Text: "3d", Values: []float32{1, 0, 0}},
		{Text: "ok", Values: []float32{0, 1}},
	}, 3)
	if len(got) != 1 || got[0].Text != "ok" || got[0].Similarity != 0 {
		t.Fatalf("unexpected ranking: %+v", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	if got := CosineSimilarity([]float32{1, 2}, []float32{2, 4}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("parallel vectors = %f", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, []float32{1, 1}); got != 0 {
		t.Fatalf("zero vector = %f", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{-1, 0}); math.Abs(got+1) > 1e-9 {
		t.Fatalf("opposite vectors = %f", got)
	}
}

func TestPostgresSourceVectors(t *testing.T) {
	t.Parallel()

	fake := &dbtest.DBTX{
		QueryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return &dbtest.Rows{Data: [][]any{
				{"Open 9-5", []float32{1, 0}},
				{"Closed Sunday", []float32{0, 1}},
			}}, nil
		},
	}
	got, err := NewPostgresSource(fake).Vectors(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("Vectors: %v", err)
	}
	if len(got) != 2 || got[0].Text != "Open 9-5" || got[1].Values[1] != 1 {
		t.Fatalf("unexpected vectors: %+v", got)
	}
	call := fake.Calls()[0]
	if !strings.Contains(call.SQL, "k.status = 'completed'") || !strings.Contains(call.SQL, "ORDER BY v.id") {
		t.Fatalf("unexpected query: %s", call.SQL)
	}
	if call.Args[0] != "bot-1" {
		t.Fatalf("unexpected args: %v", call.Args)
	}
}

type fakeScroller struct {
	pages    [][]*qdrant.RetrievedPoint
	requests []*qdrant.ScrollPoints
}

func (f *fakeScroller) ScrollAndOffset(_ context.Context, req *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	var next *qdrant.PointId
	if i+1 < len(f.pages) {
		next = qdrant.NewIDNum(uint64(i + 1))
	}
	return f.pages[i], next, nil
}

func point(text string, position int, values ...float32) *qdrant.RetrievedPoint {
	return &qdrant.RetrievedPoint{
		Payload: qdrant.NewValueMap(map[string]any{"text": text, "position": position}),
		Vectors: &qdrant.VectorsOutput{VectorsOptions: &qdrant.VectorsOutput_Vector{
			Vector: &qdrant.VectorOutput{Vector: &qdrant.VectorOutput_Dense{Dense: &qdrant.DenseVector{Data: values}}},
		}},
	}
}

func TestQdrantSourceOrdersByPosition(t *testing.T) {
	t.Parallel()

	scroller := &fakeScroller{pages: [][]*qdrant.RetrievedPoint{
		{point("third", 2, 1, 0), point("first", 0, 0, 1)},
		{point("second", 1, 1, 1), {Payload: qdrant.NewValueMap(map[string]any{"text": "no vector"})}},
	}}
	got, err := NewQdrantSource(scroller, "").Vectors(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("Vectors: %v", err)
	}
	if len(got) != 3 || got[0].Text != "first" || got[1].Text != "second" || got[2].Text != "third" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if len(scroller.requests) != 2 || scroller.requests[1].Offset == nil {
		t.Fatalf("expected paged scroll, got %d requests", len(scroller.requests))
	}
	if scroller.requests[0].CollectionName != "knowledge" || len(scroller.requests[0].Filter.Must) != 2 {
		t.Fatalf("unexpected request: %+v", scroller.requests[0])
	}
}
