package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// VectorStore is the slice of the persistence layer the manager needs.
type VectorStore interface {
	// LookupEmbedding returns the stored vector for (contentHash, model),
	// or nil when none exists.
	LookupEmbedding(ctx context.Context, contentHash, model string) ([]float32, error)

	// SaveEmbedding persists the vector as the single live embedding for
	// toolID, replacing any previous one.
	SaveEmbedding(ctx context.Context, toolID string, vector []float32, model, contentHash string) error

	// EmbeddingHashForTool returns the content hash of toolID's live
	// embedding, or "" when it has none.
	EmbeddingHashForTool(ctx context.Context, toolID string) (string, error)
}

// ToolText carries the fields that make up a tool's embedding text.
type ToolText struct {
	Name        string
	Description string
	SchemaText  string // canonicalized input schema
	InputTy     string
	OutputTy    string
}

// Composite renders the newline-joined text the content hash and the
// embedding are computed over.
func (t ToolText) Composite() string {
	return strings.Join([]string{t.Name, t.Description, t.SchemaText, t.InputTy, t.OutputTy}, "\n")
}

// ContentHash returns the hex SHA-256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Manager fronts an Engine with a content-addressed cache: a process-local
// map keyed by content hash, backed by the persisted embedding table.
// Tools are only re-embedded when their composite text changes.
type Manager struct {
	engine Engine
	store  VectorStore
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string][]float32

	cacheHits int64
}

// NewManager creates an embedding manager.
func NewManager(engine Engine, store VectorStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		engine: engine,
		store:  store,
		logger: logger,
		cache:  map[string][]float32{},
	}
}

// Model returns the underlying engine name.
func (m *Manager) Model() string { return m.engine.Name() }

// Dimensions returns the engine's vector size.
func (m *Manager) Dimensions() int { return m.engine.Dimensions() }

// CacheHits reports how many embed requests were served without invoking
// the engine. Test hook for the idempotence property.
func (m *Manager) CacheHits() int64 { return atomic.LoadInt64(&m.cacheHits) }

// EnsureToolEmbedding makes sure toolID has a live embedding for the
// current composite text. When the tool's stored content hash already
// matches, nothing is re-embedded; otherwise the vector is taken from the
// process cache, another stored row with the same hash, or the engine,
// and written as the tool's live embedding. It returns the vector, the
// content hash, and whether an existing vector was reused.
func (m *Manager) EnsureToolEmbedding(ctx context.Context, toolID string, text ToolText) ([]float32, string, bool, error) {
	composite := text.Composite()
	hash := ContentHash(composite)

	if m.store != nil {
		current, err := m.store.EmbeddingHashForTool(ctx, toolID)
		if err != nil {
			return nil, "", false, err
		}
		if current == hash {
			atomic.AddInt64(&m.cacheHits, 1)
			vec, err := m.vectorForHash(ctx, hash, composite)
			if err != nil {
				return nil, "", false, err
			}
			return vec, hash, true, nil
		}
	}

	vec, reused, err := m.obtainVector(ctx, hash, composite)
	if err != nil {
		return nil, "", false, err
	}
	if m.store != nil {
		if err := m.store.SaveEmbedding(ctx, toolID, vec, m.engine.Name(), hash); err != nil {
			return nil, "", false, err
		}
	}
	if !reused {
		m.logger.Debug("embedded tool",
			zap.String("tool_id", toolID),
			zap.String("content_hash", hash[:12]))
	}
	return vec, hash, reused, nil
}

// vectorForHash fetches a known-stored vector, falling back to the cache
// and finally recomputation.
func (m *Manager) vectorForHash(ctx context.Context, hash, composite string) ([]float32, error) {
	m.mu.Lock()
	if vec, ok := m.cache[hash]; ok {
		m.mu.Unlock()
		return vec, nil
	}
	m.mu.Unlock()

	stored, err := m.store.LookupEmbedding(ctx, hash, m.engine.Name())
	if err != nil {
		return nil, err
	}
	if stored != nil {
		m.remember(hash, stored)
		return stored, nil
	}
	vec, err := m.engine.Embed(ctx, composite)
	if err != nil {
		return nil, err
	}
	m.remember(hash, vec)
	return vec, nil
}

// obtainVector finds or computes the vector for a composite text,
// reporting whether it avoided an engine call.
func (m *Manager) obtainVector(ctx context.Context, hash, composite string) ([]float32, bool, error) {
	m.mu.Lock()
	if vec, ok := m.cache[hash]; ok {
		m.mu.Unlock()
		atomic.AddInt64(&m.cacheHits, 1)
		return vec, true, nil
	}
	m.mu.Unlock()

	if m.store != nil {
		stored, err := m.store.LookupEmbedding(ctx, hash, m.engine.Name())
		if err != nil {
			return nil, false, err
		}
		if stored != nil {
			m.remember(hash, stored)
			atomic.AddInt64(&m.cacheHits, 1)
			return stored, true, nil
		}
	}

	vec, err := m.engine.Embed(ctx, composite)
	if err != nil {
		return nil, false, err
	}
	m.remember(hash, vec)
	return vec, false, nil
}

// EmbedQuery embeds ad-hoc query text. Query vectors are deliberately not
// cached across queries.
func (m *Manager) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return m.engine.Embed(ctx, query)
}

func (m *Manager) remember(hash string, vec []float32) {
	m.mu.Lock()
	m.cache[hash] = vec
	m.mu.Unlock()
}
