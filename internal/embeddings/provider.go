// Package embeddings provides embedding generation for scenario content.
package embeddings

import (
	"github.com/fyrsmithlabs/decisiond/internal/vectorstore"
)

// Provider is the interface for embedding providers.
type Provider interface {
	vectorstore.Embedder
	// Dimension returns the embedding dimension.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Dimension is the embedding vector length. Default: 256.
	Dimension int `koanf:"dimension"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ProviderConfig) ApplyDefaults() {
	if c.Dimension == 0 {
		c.Dimension = defaultDimension
	}
}
