// Package vectorstore provides vector storage implementations.
package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("decisiond.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded store.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means ephemeral:
	// the store lives in process memory only and Persistent() is false.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ApplyDefaults sets default values for unset fields. An empty Path is a
// deliberate ephemeral-mode choice, so no default is applied to it.
func (c *ChromemConfig) ApplyDefaults() {}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if strings.Contains(filepath.Clean(c.Path), "..") {
		return fmt.Errorf("%w: path contains directory traversal", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies: pure Go, no external service, exact cosine search with
// automatic persistence to gob files when opened in persistent mode.
type ChromemStore struct {
	db         *chromem.DB
	embedder   Embedder
	config     ChromemConfig
	logger     *zap.Logger
	persistent bool

	// collections tracks handles created through this store.
	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromemStore creates a ChromemStore. With a non-empty config.Path the
// store persists to disk; otherwise it is ephemeral.
func NewChromemStore(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var (
		db         *chromem.DB
		persistent bool
	)
	if config.Path != "" {
		expanded, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: expanding path: %v", ErrStorageUnavailable, err)
		}
		if err := os.MkdirAll(expanded, 0700); err != nil {
			return nil, fmt.Errorf("%w: creating directory %s: %v", ErrStorageUnavailable, expanded, err)
		}
		db, err = chromem.NewPersistentDB(expanded, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: opening chromem DB: %v", ErrStorageUnavailable, err)
		}
		persistent = true
	} else {
		db = chromem.NewDB()
	}

	store := &ChromemStore{
		db:          db,
		embedder:    embedder,
		config:      config,
		logger:      logger,
		persistent:  persistent,
		collections: make(map[string]*chromem.Collection),
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("persistent", persistent),
		zap.Bool("compress", config.Compress),
	)

	return store, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// createEmbeddingFunc adapts the Embedder interface to chromem.
func (s *ChromemStore) createEmbeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// getOrCreateCollection returns the handle for a collection, creating it on
// first use. The embedding function must always be passed because chromem-go
// falls back to its OpenAI default when given nil for persisted collections.
func (s *ChromemStore) getOrCreateCollection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, s.createEmbeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// Add embeds and stores documents in the named collection.
func (s *ChromemStore) Add(ctx context.Context, collection string, docs []Document) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Add")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("document_count", len(docs)),
	)

	if len(docs) == 0 {
		return ErrEmptyDocuments
	}

	col, err := s.getOrCreateCollection(collection)
	if err != nil {
		span.RecordError(err)
		return err
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document at index %d has no ID", i)
		}
		texts[i] = doc.Content
	}

	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: embeddings[i],
		}
	}

	// Concurrency of 1 since embeddings are precomputed.
	if err := col.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("added documents",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Get retrieves a document by ID.
func (s *ChromemStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Get")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.String("id", id),
	)

	col := s.db.GetCollection(collection, s.createEmbeddingFunc())
	if col == nil {
		span.SetStatus(codes.Error, "collection not found")
		return nil, ErrNotFound
	}

	doc, err := col.GetByID(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, "document not found")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	span.SetStatus(codes.Ok, "success")
	return &Document{
		ID:       doc.ID,
		Content:  doc.Content,
		Metadata: doc.Metadata,
	}, nil
}

// Query performs cosine similarity search in the named collection.
func (s *ChromemStore) Query(ctx context.Context, collection, query string, k int, filters map[string]string) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	col := s.db.GetCollection(collection, s.createEmbeddingFunc())
	if col == nil {
		// An empty store is not an error: nothing has been learned yet.
		span.SetStatus(codes.Ok, "collection not found")
		return []SearchResult{}, nil
	}

	// chromem requires nResults <= document count.
	docCount := col.Count()
	if docCount == 0 {
		return []SearchResult{}, nil
	}
	if k > docCount {
		k = docCount
	}

	results, err := col.Query(ctx, query, k, filters, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	searchResults := make([]SearchResult, len(results))
	for i, r := range results {
		searchResults[i] = SearchResult{
			ID:         r.ID,
			Content:    r.Content,
			Similarity: r.Similarity,
			Metadata:   r.Metadata,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(searchResults)))
	span.SetStatus(codes.Ok, "success")
	return searchResults, nil
}

// Update replaces a stored document, re-embedding its content. chromem has
// no in-place update, so this is a delete followed by an add.
func (s *ChromemStore) Update(ctx context.Context, collection string, doc Document) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Update")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.String("id", doc.ID),
	)

	col, err := s.getOrCreateCollection(collection)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := col.Delete(ctx, nil, nil, doc.ID); err != nil {
		// Deleting a missing document is tolerated so Update doubles as
		// upsert; chromem reports other failures here too, which surface
		// on the re-add below if real.
		s.logger.Debug("delete before update failed",
			zap.String("id", doc.ID),
			zap.Error(err),
		)
	}

	embedding, err := s.embedder.EmbedQuery(ctx, doc.Content)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	if err := col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Metadata:  doc.Metadata,
		Embedding: embedding,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("updating document %s: %w", doc.ID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the number of documents in the collection.
func (s *ChromemStore) Count(ctx context.Context, collection string) (int, error) {
	col := s.db.GetCollection(collection, s.createEmbeddingFunc())
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// Persistent reports whether this store survives restarts.
func (s *ChromemStore) Persistent() bool {
	return s.persistent
}

// Close closes the store. chromem persists incrementally, so this only
// releases handles.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

// Ensure ChromemStore implements Store.
var _ Store = (*ChromemStore)(nil)
