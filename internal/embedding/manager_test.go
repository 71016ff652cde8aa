package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	byHash map[string][]float32
	byTool map[string]string
	saves  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byHash: map[string][]float32{}, byTool: map[string]string{}}
}

func (s *fakeStore) LookupEmbedding(_ context.Context, hash, _ string) ([]float32, error) {
	return s.byHash[hash], nil
}

func (s *fakeStore) SaveEmbedding(_ context.Context, toolID string, vec []float32, _, hash string) error {
	s.byHash[hash] = vec
	s.byTool[toolID] = hash
	s.saves++
	return nil
}

func (s *fakeStore) EmbeddingHashForTool(_ context.Context, toolID string) (string, error) {
	return s.byTool[toolID], nil
}

func TestHashEngineDeterministic(t *testing.T) {
	e := NewHashEngine()
	a, err := e.Embed(context.Background(), "read a file from disk")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "read a file from disk")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, HashDimensions)
}

func TestHashEngineSimilarityOrdering(t *testing.T) {
	e := NewHashEngine()
	ctx := context.Background()
	query, _ := e.Embed(ctx, "read a file from disk")
	near, _ := e.Embed(ctx, "read_file\nread file contents from disk")
	far, _ := e.Embed(ctx, "send_notification\npost a slack message to a channel")

	simNear, err := CosineSimilarity(query, near)
	require.NoError(t, err)
	simFar, err := CosineSimilarity(query, far)
	require.NoError(t, err)
	assert.Greater(t, simNear, simFar)
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	assert.Error(t, err)
}

func TestManagerReembedsOnlyOnContentChange(t *testing.T) {
	store := newFakeStore()
	m := NewManager(NewHashEngine(), store, nil)
	ctx := context.Background()

	text := ToolText{Name: "fs.read_file", Description: "read file contents", SchemaText: "object{path!: string}"}

	_, hash1, reused, err := m.EnsureToolEmbedding(ctx, "tool:1", text)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, 1, store.saves)

	// Unchanged content: served from cache, no new engine call persisted.
	_, hash2, reused, err := m.EnsureToolEmbedding(ctx, "tool:1", text)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, hash1, hash2)
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, int64(1), m.CacheHits())

	// Changed description: new hash, new embedding.
	text.Description = "read file contents (UTF-8)"
	_, hash3, reused, err := m.EnsureToolEmbedding(ctx, "tool:1", text)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, hash1, hash3)
	assert.Equal(t, 2, store.saves)
}

func TestManagerHitsPersistedStoreAcrossProcesses(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	text := ToolText{Name: "fs.read_file", Description: "read file contents"}

	first := NewManager(NewHashEngine(), store, nil)
	_, _, _, err := first.EnsureToolEmbedding(ctx, "tool:1", text)
	require.NoError(t, err)

	// A fresh manager (cold process cache) must reuse the stored vector.
	second := NewManager(NewHashEngine(), store, nil)
	_, _, reused, err := second.EnsureToolEmbedding(ctx, "tool:1", text)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, 1, store.saves)
}

func TestManagerIdenticalTextToolsEachGetARow(t *testing.T) {
	store := newFakeStore()
	m := NewManager(NewHashEngine(), store, nil)
	ctx := context.Background()
	text := ToolText{Name: "list_issues", Description: "list open issues"}

	_, _, _, err := m.EnsureToolEmbedding(ctx, "tool:github/list_issues", text)
	require.NoError(t, err)
	_, _, reused, err := m.EnsureToolEmbedding(ctx, "tool:gitea/list_issues", text)
	require.NoError(t, err)

	// The vector is reused, but the second tool still gets its own row.
	assert.True(t, reused)
	assert.Equal(t, 2, store.saves)
	assert.Len(t, store.byTool, 2)
}

func TestCompositeTextLayout(t *testing.T) {
	text := ToolText{Name: "a", Description: "b", SchemaText: "c", InputTy: "d", OutputTy: "e"}
	assert.Equal(t, "a\nb\nc\nd\ne", text.Composite())
}
