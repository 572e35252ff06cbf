// Package config provides configuration loading for decisiond.
package config

import (
	"fmt"

	"github.com/fyrsmithlabs/decisiond/internal/embeddings"
	"github.com/fyrsmithlabs/decisiond/internal/engine"
	"github.com/fyrsmithlabs/decisiond/internal/logging"
	"github.com/fyrsmithlabs/decisiond/internal/memory"
)

// Config is the top-level decisiond configuration.
type Config struct {
	// Memory configures the semantic memory service, including the storage
	// path, cache capacity, and shared-pattern decay.
	Memory memory.Config `koanf:"memory"`

	// Embeddings configures the local embedding provider.
	Embeddings embeddings.ProviderConfig `koanf:"embeddings"`

	// Engine configures decision synthesis, trajectory tracking, strategy
	// adaptation, and background pattern sync.
	Engine engine.Config `koanf:"engine"`

	// Logging configures the structured logger.
	Logging logging.Config `koanf:"logging"`
}

// ApplyDefaults sets default values for unset fields across all sections.
func (c *Config) ApplyDefaults() {
	c.Memory.ApplyDefaults()
	c.Embeddings.ApplyDefaults()
	c.Engine.ApplyDefaults()
	c.Logging.ApplyDefaults()
}

// Validate validates every section, reporting the first failure with its
// section name.
func (c *Config) Validate() error {
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
