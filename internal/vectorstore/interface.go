// Package vectorstore defines the interface for embedded vector storage.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrStorageUnavailable indicates the durable backend cannot be
	// opened or written.
	ErrStorageUnavailable = errors.New("durable storage unavailable")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embedding")
)

// Embedder generates vector embeddings from text.
//
// The engine's embedder is a deterministic bag-of-features function; the
// interface stays compatible with model-backed implementations so one can be
// substituted without touching the store.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is a record stored in a vector collection.
type Document struct {
	// ID is the unique document identifier.
	ID string

	// Content is the text the embedding is derived from.
	Content string

	// Metadata holds flat key-value pairs used for filtering. Structured
	// payloads are stored as JSON envelopes inside single keys.
	Metadata map[string]string
}

// SearchResult is one ranked hit from a similarity query.
type SearchResult struct {
	// ID is the document identifier.
	ID string

	// Content is the stored text.
	Content string

	// Similarity is the cosine similarity to the query, in [-1, 1].
	Similarity float32

	// Metadata is the stored metadata.
	Metadata map[string]string
}

// Store is the interface for embedded vector storage.
//
// All operations are synchronous calls against local storage; there is no
// network round-trip. Implementations must be safe for concurrent use by a
// single process. Cross-process coherence is explicitly not guaranteed:
// concurrent writers to the same document race with last-write-wins.
type Store interface {
	// Add embeds and stores documents in the named collection.
	Add(ctx context.Context, collection string, docs []Document) error

	// Get retrieves a document by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Query performs cosine similarity search, returning up to k results
	// ordered by similarity descending. Filters match metadata exactly.
	Query(ctx context.Context, collection, query string, k int, filters map[string]string) ([]SearchResult, error)

	// Update replaces a stored document in place, re-embedding its content.
	Update(ctx context.Context, collection string, doc Document) error

	// Count returns the number of documents in the collection.
	Count(ctx context.Context, collection string) (int, error)

	// Persistent reports whether the store survives process restarts.
	// A degraded (ephemeral) store returns false.
	Persistent() bool

	// Close releases resources held by the store.
	Close() error
}
