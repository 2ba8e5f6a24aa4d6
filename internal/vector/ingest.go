package vector

import (
	"context"

	"go.uber.org/zap"

	"aishell/internal/db"
)

// Embedder turns text into fixed-dimension vectors. The LLM manager
// satisfies this.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ingestBatchSize bounds how many catalog objects are embedded per log
// line; embedding itself is one provider call per text (the manager
// caches repeats).
const ingestBatchSize = 64

// IngestCatalog loads the client's catalog and replaces the store's
// catalog documents with freshly embedded ones. Command-pattern documents
// survive the rebuild. Objects whose embedding fails are skipped, not
// fatal: a partial index is better than none.
func IngestCatalog(ctx context.Context, s *Store, client *db.Client, emb Embedder, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	objects, err := client.Catalog(ctx)
	if err != nil {
		return 0, err
	}

	docs, embeddings := s.documentsBySourceExcept(SourceCatalog)
	skipped := 0
	for i, obj := range objects {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		vec, err := emb.Embed(ctx, obj.Text())
		if err != nil {
			skipped++
			continue
		}
		o := obj
		docs = append(docs, Document{Source: SourceCatalog, Text: o.Text(), Catalog: &o})
		embeddings = append(embeddings, vec)
		if (i+1)%ingestBatchSize == 0 {
			logger.Debug("catalog ingest progress",
				zap.String("connection", client.Name()),
				zap.Int("embedded", i+1),
				zap.Int("total", len(objects)))
		}
	}
	if err := s.Replace(docs, embeddings); err != nil {
		return 0, err
	}
	if skipped > 0 {
		logger.Warn("catalog objects skipped during ingest",
			zap.String("connection", client.Name()),
			zap.Int("skipped", skipped))
	}
	return len(objects) - skipped, nil
}

// documentsBySourceExcept returns copies of the documents and embeddings
// whose source differs from the excluded one.
func (s *Store) documentsBySourceExcept(excluded string) ([]Document, [][]float32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]Document, 0, len(s.docs))
	embeddings := make([][]float32, 0, len(s.docs))
	for i, d := range s.docs {
		if d.Source == excluded {
			continue
		}
		docs = append(docs, d)
		embeddings = append(embeddings, s.embeddings[i])
	}
	return docs, embeddings
}

// CommandPattern is one completable command with a human description.
type CommandPattern struct {
	Pattern     string
	Description string
}

// DefaultCommandPatterns is the built-in command-suggestion corpus used
// by the completer when no SQL or vault context applies.
var DefaultCommandPatterns = []CommandPattern{
	{Pattern: "connect <name> <dsn>", Description: "open a named database connection"},
	{Pattern: "disconnect <name>", Description: "close a named connection"},
	{Pattern: "use <name>", Description: "switch the active connection"},
	{Pattern: "connections", Description: "list registered connections"},
	{Pattern: "query <sql>", Description: "run SQL on the active connection"},
	{Pattern: "explain <sql>", Description: "show the execution plan for a statement"},
	{Pattern: "optimize <sql>", Description: "suggest rewrites and indexes for a statement"},
	{Pattern: "slow-queries", Description: "show recent slow statements"},
	{Pattern: "indexes list", Description: "list indexes on the active database"},
	{Pattern: "backup create", Description: "snapshot the active database"},
	{Pattern: "vault add <name>", Description: "store a credential in the vault"},
	{Pattern: "vault list", Description: "list credential names"},
	{Pattern: "health", Description: "check connection and component health"},
	{Pattern: "status", Description: "show session status"},
}

// SeedCommandPatterns embeds the command corpus into the store. Existing
// command documents are replaced.
func SeedCommandPatterns(ctx context.Context, s *Store, emb Embedder, patterns []CommandPattern) error {
	if len(patterns) == 0 {
		patterns = DefaultCommandPatterns
	}
	docs, embeddings := s.documentsBySourceExcept(SourceCommand)
	for _, p := range patterns {
		text := p.Pattern + " " + p.Description
		vec, err := emb.Embed(ctx, text)
		if err != nil {
			return err
		}
		docs = append(docs, Document{Source: SourceCommand, Text: p.Pattern + " - " + p.Description})
		embeddings = append(embeddings, vec)
	}
	return s.Replace(docs, embeddings)
}
