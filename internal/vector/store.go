// Package vector maintains an exact L2 nearest-neighbour index over
// embedded schema objects and command patterns. The index is read-mostly:
// searches take a shared lock, rebuilds and inserts an exclusive one.
package vector

import (
	"encoding/json"
	"math"
	"os"
	"sort"
	"sync"

	"aishell/internal/db"
	"aishell/internal/fault"
)

// Document sources.
const (
	SourceCatalog = "catalog"
	SourceCommand = "command"
)

// Document is the metadata side of one indexed entry, aligned by position
// with its embedding.
type Document struct {
	Source  string            `json:"source"`
	Text    string            `json:"text"`
	Catalog *db.CatalogObject `json:"catalog,omitempty"`
}

// Match is one search hit. Similarity is 1/(1+L2distance), so identical
// vectors score 1.0.
type Match struct {
	Document   Document `json:"document"`
	Similarity float64  `json:"similarity"`
}

// Store is the in-memory index. Dimension is fixed at construction and
// every insert is checked against it.
type Store struct {
	mu         sync.RWMutex
	dim        int
	embeddings [][]float32
	docs       []Document
}

// New creates an empty store for dim-sized vectors.
func New(dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fault.Errorf(fault.KindInvalidInput, "vector dimension must be positive, got %d", dim)
	}
	return &Store{dim: dim}, nil
}

// Dim returns the fixed vector dimension.
func (s *Store) Dim() int { return s.dim }

// Len returns the number of indexed documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Insert adds one document. A vector of the wrong length fails with
// DimensionMismatch and changes nothing.
func (s *Store) Insert(doc Document, embedding []float32) error {
	if len(embedding) != s.dim {
		return fault.Errorf(fault.KindDimensionMismatch,
			"embedding has %d dimensions, index expects %d", len(embedding), s.dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings = append(s.embeddings, embedding)
	s.docs = append(s.docs, doc)
	return nil
}

// Replace atomically swaps the whole index contents, used by catalog
// rebuilds. Lengths must align and every vector must match the dimension.
func (s *Store) Replace(docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fault.Errorf(fault.KindInvalidInput,
			"%d documents but %d embeddings", len(docs), len(embeddings))
	}
	for _, e := range embeddings {
		if len(e) != s.dim {
			return fault.Errorf(fault.KindDimensionMismatch,
				"embedding has %d dimensions, index expects %d", len(e), s.dim)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = docs
	s.embeddings = embeddings
	return nil
}

// Search returns the k nearest documents by L2 distance. Ties break by
// earlier insertion. An empty source matches every document.
func (s *Store) Search(embedding []float32, k int, source string) ([]Match, error) {
	if len(embedding) != s.dim {
		return nil, fault.Errorf(fault.KindDimensionMismatch,
			"query has %d dimensions, index expects %d", len(embedding), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		idx int
		sim float64
	}
	hits := make([]scored, 0, len(s.docs))
	for i, doc := range s.docs {
		if source != "" && doc.Source != source {
			continue
		}
		sim := 1.0 / (1.0 + l2(embedding, s.embeddings[i]))
		hits = append(hits, scored{idx: i, sim: sim})
	}

	// Stable sort keeps insertion order among equal similarities.
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].sim > hits[b].sim })

	if k > len(hits) {
		k = len(hits)
	}
	out := make([]Match, k)
	for i := 0; i < k; i++ {
		out[i] = Match{Document: s.docs[hits[i].idx], Similarity: hits[i].sim}
	}
	return out, nil
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// snapshotFile is the on-disk snapshot layout.
type snapshotFile struct {
	Version    int         `json:"version"`
	Dim        int         `json:"dim"`
	Documents  []Document  `json:"documents"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Save writes the index to path atomically, owner-only.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	snap := snapshotFile{
		Version:    1,
		Dim:        s.dim,
		Documents:  s.docs,
		Embeddings: s.embeddings,
	}
	s.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fault.Wrap(fault.KindInvalidInput, err, "encoding index snapshot")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "writing index snapshot")
	}
	if err := os.Rename(tmp, path); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "replacing index snapshot")
	}
	return nil
}

// Load reads a snapshot into the store. A snapshot whose dimension does
// not match the current embedding model fails closed: the store keeps its
// previous contents.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fault.Errorf(fault.KindNotFound, "no index snapshot at %s", path)
		}
		return fault.Wrap(fault.KindUnavailable, err, "reading index snapshot")
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fault.Wrap(fault.KindInvalidInput, err, "parsing index snapshot")
	}
	if snap.Dim != s.dim {
		return fault.Errorf(fault.KindDimensionMismatch,
			"snapshot dimension %d does not match embedding model dimension %d", snap.Dim, s.dim)
	}
	return s.Replace(snap.Documents, snap.Embeddings)
}
