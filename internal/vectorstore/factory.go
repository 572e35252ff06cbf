package vectorstore

import (
	"errors"

	"go.uber.org/zap"
)

// Open constructs a store from config, degrading to ephemeral in-memory
// storage when the durable backend cannot be opened.
//
// Experience sharing is a quality-of-service feature, not a correctness
// requirement: an engine that cannot persist should still decide, it just
// forgets on restart. Callers that must know which mode they got can check
// Store.Persistent().
func Open(config ChromemConfig, embedder Embedder, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := NewChromemStore(config, embedder, logger)
	if err == nil {
		return store, nil
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		return nil, err
	}

	logger.Warn("durable storage unavailable, degrading to ephemeral store",
		zap.String("path", config.Path),
		zap.Error(err),
	)

	ephemeral := config
	ephemeral.Path = ""
	return NewChromemStore(ephemeral, embedder, logger)
}
