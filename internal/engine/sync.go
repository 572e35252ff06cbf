package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/events"
	"github.com/fyrsmithlabs/decisiond/internal/memory"
)

// SyncConfig holds configuration for the background pattern sync.
type SyncConfig struct {
	// Interval between sync ticks. Default 5m.
	Interval time.Duration `koanf:"interval"`

	// Auto starts the syncer together with the engine's host process.
	Auto bool `koanf:"auto"`

	// MinConfidence is the confidence floor for pulled patterns.
	// Default 0.5.
	MinConfidence float64 `koanf:"min_confidence"`
}

// ApplyDefaults sets default values for unset fields.
func (c *SyncConfig) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.5
	}
}

// Validate validates the configuration.
func (c *SyncConfig) Validate() error {
	if c.Interval < time.Millisecond {
		return fmt.Errorf("sync interval too small: %s", c.Interval)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be in [0,1], got %f", c.MinConfidence)
	}
	return nil
}

// PatternSyncer periodically pulls shared patterns above the confidence
// floor and announces them on the event bus. A failed tick is logged and
// skipped; the next tick retries on its own.
type PatternSyncer struct {
	config SyncConfig
	memory *memory.Service
	bus    *events.Bus
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func newPatternSyncer(config SyncConfig, mem *memory.Service, bus *events.Bus, logger *zap.Logger) *PatternSyncer {
	return &PatternSyncer{
		config: config,
		memory: mem,
		bus:    bus,
		logger: logger,
	}
}

// Start launches the background sync loop. Starting an already running
// syncer is an error; a second goroutine is never spawned.
func (s *PatternSyncer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("pattern sync already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	s.logger.Info("pattern sync started", zap.Duration("interval", s.config.Interval))
	s.bus.Publish(events.TypeSyncStarted, map[string]any{
		"interval": s.config.Interval.String(),
	})

	go s.run(s.stopCh, s.done)
	return nil
}

// Stop signals the loop to exit and waits for it. Stopping a stopped syncer
// is a no-op, so Stop is safe to call from deferred shutdown paths.
func (s *PatternSyncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("pattern sync stopped")
	s.bus.Publish(events.TypeSyncStopped, nil)
}

// Running reports whether the sync loop is active.
func (s *PatternSyncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run is the ticker loop. Panics are recovered so one bad tick cannot take
// the loop down.
func (s *PatternSyncer) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pattern sync goroutine panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background())
		case <-stopCh:
			return
		}
	}
}

// Tick runs a single sync pass. Exposed so tests and callers can drive the
// sync deterministically without wall-clock waits.
func (s *PatternSyncer) Tick(ctx context.Context) {
	patterns, err := s.memory.SharedPatterns(ctx, "", s.config.MinConfidence, 0)
	if err != nil {
		// Skipped for this cycle only; the next tick retries.
		s.logger.Warn("pattern sync tick failed", zap.Error(err))
		return
	}

	s.logger.Debug("patterns synced", zap.Int("count", len(patterns)))
	s.bus.Publish(events.TypeSyncCompleted, map[string]any{
		"count": len(patterns),
	})
}

// StartSync starts the engine's background pattern sync.
func (e *Engine) StartSync() error {
	return e.syncer.Start()
}

// StopSync stops the background pattern sync, blocking until the loop has
// exited.
func (e *Engine) StopSync() {
	e.syncer.Stop()
}

// SyncNow runs one synchronous sync pass.
func (e *Engine) SyncNow(ctx context.Context) {
	e.syncer.Tick(ctx)
}

// SyncRunning reports whether the background sync loop is active.
func (e *Engine) SyncRunning() bool {
	return e.syncer.Running()
}
