package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"

	"github.com/unicitynetwork/unicity-orchestrator/internal/embedding"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// SaveEmbedding persists vector as the single live embedding for toolID,
// replacing any previous one. Implements embedding.VectorStore.
func (s *Store) SaveEmbedding(ctx context.Context, toolID string, vector []float32, model, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding (tool_id, vector, model, content_hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tool_id) DO UPDATE SET
			vector = excluded.vector,
			model = excluded.model,
			content_hash = excluded.content_hash,
			created_at = CURRENT_TIMESTAMP`,
		toolID, encodeVector(vector), model, contentHash)
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "save embedding for %s", toolID)
	}
	return nil
}

// LookupEmbedding returns the stored vector for (contentHash, model), or
// nil when none exists. Implements embedding.VectorStore.
func (s *Store) LookupEmbedding(ctx context.Context, contentHash, model string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT vector FROM embedding WHERE content_hash = ? AND model = ? LIMIT 1`,
		contentHash, model).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "lookup embedding")
	}
	return decodeVector(blob), nil
}

// EmbeddingHashForTool returns the content hash of toolID's live
// embedding, or "" when the tool has none.
func (s *Store) EmbeddingHashForTool(ctx context.Context, toolID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM embedding WHERE tool_id = ?`, toolID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", uerr.Wrap(uerr.TagInternal, err, "embedding hash for %s", toolID)
	}
	return hash, nil
}

// ToolVectors returns every tool id with a live embedding and its vector.
func (s *Store) ToolVectors(ctx context.Context) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT tool_id, vector FROM embedding`)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "list embeddings")
	}
	defer rows.Close()

	out := map[string][]float32{}
	for rows.Next() {
		var toolID string
		var blob []byte
		if err := rows.Scan(&toolID, &blob); err != nil {
			return nil, uerr.Wrap(uerr.TagInternal, err, "scan embedding")
		}
		out[toolID] = decodeVector(blob)
	}
	return out, rows.Err()
}

// SearchSimilarTools runs a cosine top-k over all live embeddings and
// loads the matching tool records. Entries below threshold are dropped.
// Results are ordered by descending similarity, ties by ascending tool id.
func (s *Store) SearchSimilarTools(ctx context.Context, query []float32, k int, threshold float64) ([]ToolSimilarity, error) {
	if k <= 0 {
		k = 32
	}
	vectors, err := s.ToolVectors(ctx)
	if err != nil {
		return nil, err
	}

	type hit struct {
		toolID string
		sim    float64
	}
	hits := make([]hit, 0, len(vectors))
	for toolID, vec := range vectors {
		sim, err := embedding.CosineSimilarity(query, vec)
		if err != nil {
			continue // dimension mismatch from a model change; re-embed fixes it
		}
		if sim < threshold || math.IsNaN(sim) {
			continue
		}
		hits = append(hits, hit{toolID, sim})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].sim != hits[j].sim {
			return hits[i].sim > hits[j].sim
		}
		return hits[i].toolID < hits[j].toolID
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]ToolSimilarity, 0, len(hits))
	for _, h := range hits {
		tool, err := s.GetTool(ctx, h.toolID)
		if err != nil {
			return nil, err
		}
		if tool == nil {
			continue // embedding outlived its tool; rebuild cleans this up
		}
		out = append(out, ToolSimilarity{Tool: *tool, Similarity: h.sim})
	}
	return out, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
