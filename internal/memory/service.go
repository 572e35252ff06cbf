package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/vectorstore"
)

// memoryTracer for OpenTelemetry instrumentation.
var memoryTracer = otel.Tracer("decisiond.memory")

// Collection names inside the shared store. Records from all agents live in
// one collection; agent scoping happens via metadata filters.
const (
	recordCollection = "memories"
)

// Metadata keys reserved by the service. Caller metadata is stored under a
// prefix so it can never collide with these.
const (
	metaAgentID     = "agent_id"
	metaCategory    = "category"
	metaSuccessRate = "success_rate"
	metaAccessCount = "access_count"
	metaCreatedAt   = "created_at"
	metaUpdatedAt   = "updated_at"
	metaUserPrefix  = "m_"
)

// successSmoothing is the exponential smoothing factor for success-rate
// updates: new = (1-successSmoothing)*old + successSmoothing*observed.
const successSmoothing = 0.1

// Config holds configuration for the memory service.
type Config struct {
	// Path is the root directory for durable state. Empty means ephemeral.
	Path string `koanf:"path"`

	// Compress enables gzip compression in the vector store.
	Compress bool `koanf:"compress"`

	// CacheCapacity bounds the in-process record cache. Default 512.
	CacheCapacity int `koanf:"cache_capacity"`

	// SearchWindow caps the candidate set scanned per similarity search.
	// Default 1000.
	SearchWindow int `koanf:"search_window"`

	// PatternHalfLife controls read-time decay of shared-pattern
	// confidence. Zero disables decay. Default 720h (30 days).
	PatternHalfLife time.Duration `koanf:"pattern_half_life"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.CacheCapacity == 0 {
		c.CacheCapacity = 512
	}
	if c.SearchWindow == 0 {
		c.SearchWindow = 1000
	}
	if c.PatternHalfLife == 0 {
		c.PatternHalfLife = 720 * time.Hour
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CacheCapacity < 1 {
		return fmt.Errorf("cache_capacity must be positive, got %d", c.CacheCapacity)
	}
	if c.SearchWindow < 1 {
		return fmt.Errorf("search_window must be positive, got %d", c.SearchWindow)
	}
	if c.PatternHalfLife < 0 {
		return fmt.Errorf("pattern_half_life must be non-negative")
	}
	return nil
}

// Service is the memory store: embedding-backed records, shared patterns and
// the learning ledger, fronted by a bounded LRU cache.
//
// The cache is process-local and not coherent across agent processes sharing
// the durable store; a stale cached success rate is refreshed on the next
// durable read.
type Service struct {
	store    vectorstore.Store
	cache    *lru.Cache[string, *Record]
	ledger   *Ledger
	patterns *PatternRegistry
	config   Config
	logger   *zap.Logger
}

// NewService constructs the memory service over an opened vector store.
// Ledger and pattern paths derive from config.Path; with an empty path all
// three layers run ephemeral.
func NewService(config Config, store vectorstore.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cache, err := lru.New[string, *Record](config.CacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	var ledgerPath, patternPath string
	if config.Path != "" && store.Persistent() {
		ledgerPath = filepath.Join(config.Path, "ledger", "history.jsonl")
		patternPath = filepath.Join(config.Path, "patterns")
	}

	ledger, err := NewLedger(ledgerPath, logger.Named("ledger"))
	if err != nil {
		return nil, err
	}
	patterns, err := NewPatternRegistry(patternPath, config.PatternHalfLife, logger.Named("patterns"))
	if err != nil {
		return nil, err
	}

	return &Service{
		store:    store,
		cache:    cache,
		ledger:   ledger,
		patterns: patterns,
		config:   config,
		logger:   logger,
	}, nil
}

// Store embeds content and persists a new record, returning its id.
func (s *Service) Store(ctx context.Context, agentID, category string, content any, metadata map[string]string) (string, error) {
	ctx, span := memoryTracer.Start(ctx, "memory.Store")
	defer span.End()

	payload, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("encoding content: %w", err)
	}

	now := timeNow()
	record := &Record{
		ID:          newID(),
		AgentID:     agentID,
		Category:    category,
		Content:     payload,
		Metadata:    metadata,
		SuccessRate: 0.5,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := record.Validate(); err != nil {
		return "", err
	}

	span.SetAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("category", category),
	)

	if err := s.store.Add(ctx, recordCollection, []vectorstore.Document{toDocument(record)}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("storing record: %w", err)
	}

	// Cache a clone so later edits to the caller's metadata map cannot
	// leak into the cached copy.
	s.cache.Add(record.ID, record.clone())
	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("memory stored",
		zap.String("id", record.ID),
		zap.String("agent_id", agentID),
		zap.String("category", category),
	)
	return record.ID, nil
}

// Retrieve returns a record by id, serving from cache when possible and
// incrementing the record's access count.
func (s *Service) Retrieve(ctx context.Context, id string) (*Record, error) {
	ctx, span := memoryTracer.Start(ctx, "memory.Retrieve")
	defer span.End()

	span.SetAttributes(attribute.String("id", id))

	cached, ok := s.cache.Get(id)
	if !ok {
		doc, err := s.store.Get(ctx, recordCollection, id)
		if err != nil {
			span.SetStatus(codes.Error, "not found")
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		cached, err = fromDocument(doc)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	// Work on a clone: the cached record is shared with every concurrent
	// reader and with records already handed to callers.
	record := cached.clone()
	record.AccessCount++
	record.UpdatedAt = timeNow()
	if err := s.store.Update(ctx, recordCollection, toDocument(record)); err != nil {
		// Retrieval still succeeds if the counter write hiccups.
		s.logger.Warn("access count update failed",
			zap.String("id", id),
			zap.Error(err),
		)
	}
	s.cache.Add(id, record)

	span.SetStatus(codes.Ok, "success")
	return record.clone(), nil
}

// SearchSimilar embeds the query content and returns records ranked by
// cosine similarity, filtered per opts.
func (s *Service) SearchSimilar(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error) {
	ctx, span := memoryTracer.Start(ctx, "memory.SearchSimilar")
	defer span.End()

	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.MinSimilarity < -1 || opts.MinSimilarity > 1 {
		return nil, fmt.Errorf("min_similarity must be in [-1,1], got %f", opts.MinSimilarity)
	}

	filters := map[string]string{}
	if opts.AgentID != "" {
		filters[metaAgentID] = opts.AgentID
	}
	if opts.Category != "" {
		filters[metaCategory] = opts.Category
	}

	// The candidate window trades recall for bounded latency; freshness
	// correlates with relevance in this domain, and the window is tunable.
	results, err := s.store.Query(ctx, recordCollection, query, s.config.SearchWindow, filters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching memories: %w", err)
	}

	hits := make([]SearchHit, 0, opts.Limit)
	for _, r := range results {
		if float64(r.Similarity) < opts.MinSimilarity {
			continue
		}
		record, err := fromDocument(&vectorstore.Document{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
		})
		if err != nil {
			s.logger.Warn("skipping undecodable record",
				zap.String("id", r.ID),
				zap.Error(err),
			)
			continue
		}
		hits = append(hits, SearchHit{Record: record, Similarity: float64(r.Similarity)})
		if len(hits) >= opts.Limit {
			break
		}
	}

	span.SetAttributes(attribute.Int("results", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// UpdateSuccessRate smooths the record's success rate toward an observed
// outcome: new = 0.9*old + 0.1*observed. Use SetSuccessRate for raw
// overwrites (import/restore paths).
func (s *Service) UpdateSuccessRate(ctx context.Context, id string, observed float64) error {
	if observed < 0 || observed > 1 {
		return ErrInvalidRate
	}
	return s.mutateRecord(ctx, id, func(r *Record) {
		r.SuccessRate = (1-successSmoothing)*r.SuccessRate + successSmoothing*observed
	})
}

// SetSuccessRate overwrites the record's success rate directly.
func (s *Service) SetSuccessRate(ctx context.Context, id string, rate float64) error {
	if rate < 0 || rate > 1 {
		return ErrInvalidRate
	}
	return s.mutateRecord(ctx, id, func(r *Record) {
		r.SuccessRate = rate
	})
}

// mutateRecord applies fn to a record and writes it back through cache and
// store. Last write wins across concurrent agent processes.
func (s *Service) mutateRecord(ctx context.Context, id string, fn func(*Record)) error {
	ctx, span := memoryTracer.Start(ctx, "memory.mutateRecord")
	defer span.End()

	cached, ok := s.cache.Get(id)
	if !ok {
		doc, err := s.store.Get(ctx, recordCollection, id)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		cached, err = fromDocument(doc)
		if err != nil {
			return err
		}
	}

	record := cached.clone()
	fn(record)
	record.UpdatedAt = timeNow()

	if err := s.store.Update(ctx, recordCollection, toDocument(record)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("updating record %s: %w", id, err)
	}
	s.cache.Add(id, record)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// SharePattern publishes a cross-agent pattern, returning its id.
func (s *Service) SharePattern(ctx context.Context, p SharedPattern) (string, error) {
	_, span := memoryTracer.Start(ctx, "memory.SharePattern")
	defer span.End()

	id, err := s.patterns.Share(p)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("pattern shared",
		zap.String("id", id),
		zap.String("type", p.PatternType),
	)
	return id, nil
}

// SharedPatterns queries published patterns by type and confidence floor.
func (s *Service) SharedPatterns(ctx context.Context, patternType string, minConfidence float64, limit int) ([]*SharedPattern, error) {
	_, span := memoryTracer.Start(ctx, "memory.SharedPatterns")
	defer span.End()

	out, err := s.patterns.Query(patternType, minConfidence, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// RecordLearning appends an episode to the learning history ledger.
func (s *Service) RecordLearning(ctx context.Context, entry LearningEntry) (string, error) {
	_, span := memoryTracer.Start(ctx, "memory.RecordLearning")
	defer span.End()

	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = timeNow()
	}
	if err := s.ledger.Append(entry); err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetStatus(codes.Ok, "success")
	return entry.ID, nil
}

// LearningHistory returns ledger entries newest first, optionally scoped to
// one agent.
func (s *Service) LearningHistory(ctx context.Context, agentID string, limit int) ([]LearningEntry, error) {
	_, span := memoryTracer.Start(ctx, "memory.LearningHistory")
	defer span.End()

	out := s.ledger.History(agentID, limit)
	span.SetAttributes(attribute.Int("results", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// Stats summarizes the service's holdings.
type Stats struct {
	Records        int  `json:"records"`
	SharedPatterns int  `json:"shared_patterns"`
	LedgerEntries  int  `json:"ledger_entries"`
	CacheLen       int  `json:"cache_len"`
	Persistent     bool `json:"persistent"`
}

// Stats reports counts across the store's namespaces.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	records, err := s.store.Count(ctx, recordCollection)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Records:        records,
		SharedPatterns: s.patterns.Len(),
		LedgerEntries:  s.ledger.Len(),
		CacheLen:       s.cache.Len(),
		Persistent:     s.store.Persistent(),
	}, nil
}

// Close releases the service's resources in dependency order.
func (s *Service) Close() error {
	if err := s.ledger.Close(); err != nil {
		s.logger.Warn("ledger close failed", zap.Error(err))
	}
	return s.store.Close()
}

// toDocument serializes a record for the vector store. The embedding is
// derived from the verbatim content payload.
func toDocument(r *Record) vectorstore.Document {
	meta := map[string]string{
		metaAgentID:     r.AgentID,
		metaCategory:    r.Category,
		metaSuccessRate: strconv.FormatFloat(r.SuccessRate, 'f', 6, 64),
		metaAccessCount: strconv.Itoa(r.AccessCount),
		metaCreatedAt:   r.CreatedAt.Format(time.RFC3339Nano),
		metaUpdatedAt:   r.UpdatedAt.Format(time.RFC3339Nano),
	}
	for k, v := range r.Metadata {
		meta[metaUserPrefix+k] = v
	}
	return vectorstore.Document{
		ID:       r.ID,
		Content:  string(r.Content),
		Metadata: meta,
	}
}

// fromDocument deserializes a stored document back into a record.
func fromDocument(doc *vectorstore.Document) (*Record, error) {
	r := &Record{
		ID:       doc.ID,
		AgentID:  doc.Metadata[metaAgentID],
		Category: doc.Metadata[metaCategory],
		Content:  json.RawMessage(doc.Content),
	}

	var err error
	if r.SuccessRate, err = strconv.ParseFloat(doc.Metadata[metaSuccessRate], 64); err != nil {
		return nil, fmt.Errorf("record %s: bad success_rate: %w", doc.ID, err)
	}
	if r.AccessCount, err = strconv.Atoi(doc.Metadata[metaAccessCount]); err != nil {
		return nil, fmt.Errorf("record %s: bad access_count: %w", doc.ID, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, doc.Metadata[metaCreatedAt]); err != nil {
		return nil, fmt.Errorf("record %s: bad created_at: %w", doc.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, doc.Metadata[metaUpdatedAt]); err != nil {
		return nil, fmt.Errorf("record %s: bad updated_at: %w", doc.ID, err)
	}

	for k, v := range doc.Metadata {
		if strings.HasPrefix(k, metaUserPrefix) {
			if r.Metadata == nil {
				r.Metadata = make(map[string]string)
			}
			r.Metadata[strings.TrimPrefix(k, metaUserPrefix)] = v
		}
	}
	return r, nil
}
