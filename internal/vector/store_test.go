package vector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aishell/internal/db"
	"aishell/internal/fault"
)

func newStore(t *testing.T, dim int) *Store {
	t.Helper()
	s, err := New(dim)
	require.NoError(t, err)
	return s
}

func TestInsertDimensionChecked(t *testing.T) {
	s := newStore(t, 3)

	require.NoError(t, s.Insert(Document{Source: SourceCatalog, Text: "table users"}, []float32{1, 0, 0}))

	err := s.Insert(Document{Text: "bad"}, []float32{1, 0})
	require.Error(t, err)
	assert.Equal(t, fault.KindDimensionMismatch, fault.KindOf(err))
	assert.Equal(t, 1, s.Len(), "failed insert must not change the index")
}

func TestSelfSearchScoresOne(t *testing.T) {
	s := newStore(t, 3)
	vec := []float32{0.5, 0.25, 0.8}
	require.NoError(t, s.Insert(Document{Source: SourceCatalog, Text: "table orders"}, vec))

	hits, err := s.Search(vec, 1, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.GreaterOrEqual(t, hits[0].Similarity, 0.99)
	assert.Equal(t, "table orders", hits[0].Document.Text)
}

func TestSearchOrdersByDistance(t *testing.T) {
	s := newStore(t, 2)
	require.NoError(t, s.Insert(Document{Text: "far"}, []float32{10, 10}))
	require.NoError(t, s.Insert(Document{Text: "near"}, []float32{1, 1}))
	require.NoError(t, s.Insert(Document{Text: "exact"}, []float32{0, 0}))

	hits, err := s.Search([]float32{0, 0}, 3, "")
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "exact", hits[0].Document.Text)
	assert.Equal(t, "near", hits[1].Document.Text)
	assert.Equal(t, "far", hits[2].Document.Text)
}

func TestSearchTiesBreakByInsertionOrder(t *testing.T) {
	s := newStore(t, 2)
	// Equidistant from the query.
	require.NoError(t, s.Insert(Document{Text: "first"}, []float32{1, 0}))
	require.NoError(t, s.Insert(Document{Text: "second"}, []float32{0, 1}))
	require.NoError(t, s.Insert(Document{Text: "third"}, []float32{-1, 0}))

	hits, err := s.Search([]float32{0, 0}, 3, "")
	require.NoError(t, err)
	assert.Equal(t, "first", hits[0].Document.Text)
	assert.Equal(t, "second", hits[1].Document.Text)
	assert.Equal(t, "third", hits[2].Document.Text)
}

func TestSearchSourceFilter(t *testing.T) {
	s := newStore(t, 2)
	require.NoError(t, s.Insert(Document{Source: SourceCatalog, Text: "table users"}, []float32{0, 0}))
	require.NoError(t, s.Insert(Document{Source: SourceCommand, Text: "query <sql>"}, []float32{0, 0}))

	hits, err := s.Search([]float32{0, 0}, 10, SourceCommand)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "query <sql>", hits[0].Document.Text)
}

func TestSearchQueryDimensionChecked(t *testing.T) {
	s := newStore(t, 3)
	_, err := s.Search([]float32{1, 2}, 1, "")
	require.Error(t, err)
	assert.Equal(t, fault.KindDimensionMismatch, fault.KindOf(err))
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.snapshot.json")

	s := newStore(t, 2)
	obj := db.CatalogObject{Name: "users", Type: "table", Schema: "public"}
	require.NoError(t, s.Insert(Document{Source: SourceCatalog, Text: obj.Text(), Catalog: &obj}, []float32{1, 2}))
	require.NoError(t, s.Save(path))

	restored := newStore(t, 2)
	require.NoError(t, restored.Load(path))
	require.Equal(t, 1, restored.Len())

	hits, err := restored.Search([]float32{1, 2}, 1, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.NotNil(t, hits[0].Document.Catalog)
	assert.Equal(t, "users", hits[0].Document.Catalog.Name)
}

func TestSnapshotDimensionMismatchFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.snapshot.json")

	s := newStore(t, 2)
	require.NoError(t, s.Insert(Document{Text: "keep"}, []float32{1, 2}))
	require.NoError(t, s.Save(path))

	other := newStore(t, 3)
	require.NoError(t, other.Insert(Document{Text: "existing"}, []float32{1, 2, 3}))

	err := other.Load(path)
	require.Error(t, err)
	assert.Equal(t, fault.KindDimensionMismatch, fault.KindOf(err))
	assert.Equal(t, 1, other.Len(), "failed load must keep previous contents")
}

// fixedEmbedder returns a deterministic vector per text length, which is
// enough to exercise ingest plumbing without a provider.
type fixedEmbedder struct{ dim int }

func (f fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dim)
	for i := range vec {
		vec[i] = float32(len(text)%7) / 7
	}
	return vec, nil
}

func TestSeedCommandPatterns(t *testing.T) {
	s := newStore(t, 4)
	require.NoError(t, SeedCommandPatterns(context.Background(), s, fixedEmbedder{dim: 4}, nil))
	assert.Equal(t, len(DefaultCommandPatterns), s.Len())

	// Reseeding replaces, not duplicates.
	require.NoError(t, SeedCommandPatterns(context.Background(), s, fixedEmbedder{dim: 4}, nil))
	assert.Equal(t, len(DefaultCommandPatterns), s.Len())
}
