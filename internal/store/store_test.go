package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "unicity.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedService(t *testing.T, s *Store, name string) *ServiceRecord {
	t.Helper()
	rec := &ServiceRecord{
		Name:      name,
		Transport: TransportSpec{Command: "test-server", Args: []string{"--stdio"}},
	}
	require.NoError(t, s.UpsertService(context.Background(), rec))
	return rec
}

func seedTool(t *testing.T, s *Store, serviceName, toolName, desc string) *ToolRecord {
	t.Helper()
	rec := &ToolRecord{
		ServiceID:   ServiceID(serviceName),
		Name:        toolName,
		Description: desc,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	}
	require.NoError(t, s.UpsertTool(context.Background(), rec))
	return rec
}

func TestServiceToolCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedService(t, s, "fs")
	seedTool(t, s, "fs", "read_file", "read file contents")

	tools, err := s.ListToolsByService(ctx, ServiceID("fs"))
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "fs", tools[0].ServiceName)

	require.NoError(t, s.DeleteService(ctx, ServiceID("fs")))
	tools, err = s.ListTools(ctx)
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestToolUpsertIsKeyedByServiceAndName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedService(t, s, "fs")
	seedTool(t, s, "fs", "read_file", "v1")
	seedTool(t, s, "fs", "read_file", "v2")

	tools, err := s.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "v2", tools[0].Description)
}

func TestEmbeddingReplacePerTool(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedService(t, s, "fs")
	tool := seedTool(t, s, "fs", "read_file", "read file contents")

	require.NoError(t, s.SaveEmbedding(ctx, tool.ID, []float32{1, 0, 0}, "m", "h1"))
	require.NoError(t, s.SaveEmbedding(ctx, tool.ID, []float32{0, 1, 0}, "m", "h2"))

	vectors, err := s.ToolVectors(ctx)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, []float32{0, 1, 0}, vectors[tool.ID])

	vec, err := s.LookupEmbedding(ctx, "h1", "m")
	require.NoError(t, err)
	assert.Nil(t, vec)
	vec, err = s.LookupEmbedding(ctx, "h2", "m")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, vec)
}

func TestSearchSimilarToolsThresholdAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedService(t, s, "fs")
	a := seedTool(t, s, "fs", "a", "")
	b := seedTool(t, s, "fs", "b", "")
	c := seedTool(t, s, "fs", "c", "")

	require.NoError(t, s.SaveEmbedding(ctx, a.ID, []float32{1, 0}, "m", "ha"))
	require.NoError(t, s.SaveEmbedding(ctx, b.ID, []float32{0.8, 0.6}, "m", "hb"))
	require.NoError(t, s.SaveEmbedding(ctx, c.ID, []float32{0, 1}, "m", "hc"))

	hits, err := s.SearchSimilarTools(ctx, []float32{1, 0}, 10, 0.25)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Tool.Name)
	assert.Equal(t, "b", hits[1].Tool.Name)

	// Raising the threshold never increases the result set.
	strict, err := s.SearchSimilarTools(ctx, []float32{1, 0}, 10, 0.9)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(strict), len(hits))
}

func TestGetOrCreateUserStable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u1, err := s.GetOrCreateUser(ctx, "alice", "jwt", "alice@example.com", "Alice")
	require.NoError(t, err)
	u2, err := s.GetOrCreateUser(ctx, "alice", "jwt", "", "")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)
}

func TestPreferencesLazyDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.GetOrCreateUser(ctx, "bob", "jwt", "", "")
	require.NoError(t, err)

	p, err := s.GetPreferences(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "prompt", p.DefaultApprovalMode)
	assert.Equal(t, 300, p.ElicitationTimeoutSeconds)
	assert.True(t, p.RememberDecisions)

	p.BlockedServices = []string{"github"}
	require.NoError(t, s.SavePreferences(ctx, p))
	p2, err := s.GetPreferences(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"github"}, p2.BlockedServices)
}

func TestOneShotPermissionConsumed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.GetOrCreateUser(ctx, "carol", "jwt", "", "")
	require.NoError(t, err)

	perm := &PermissionRecord{UserID: u.ID, Service: "fs", Tool: "read_file", Status: PermGranted, Scope: ScopeOneShot}
	require.NoError(t, s.SavePermission(ctx, perm))

	live, err := s.FindLivePermission(ctx, u.ID, "fs", "read_file")
	require.NoError(t, err)
	require.NotNil(t, live)

	require.NoError(t, s.ConsumePermission(ctx, live.ID))

	n, err := s.CountPermissions(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiredPermissionNotLive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.GetOrCreateUser(ctx, "dave", "jwt", "", "")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	perm := &PermissionRecord{UserID: u.ID, Service: "fs", Status: PermGranted, Scope: ScopePersistent, ExpiresAt: &past}
	require.NoError(t, s.SavePermission(ctx, perm))

	live, err := s.FindLivePermission(ctx, u.ID, "fs", "read_file")
	require.NoError(t, err)
	assert.Nil(t, live)
}

func TestAPIKeyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	full, rec, err := s.GenerateAPIKey(ctx, "ci", "", nil)
	require.NoError(t, err)
	assert.Regexp(t, `^uo_[0-9a-f]{8}_[0-9a-f]{32}$`, full)

	found, err := s.LookupAPIKey(ctx, full)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rec.Prefix, found.Prefix)
	assert.True(t, found.Active)

	// Wrong secret with the right prefix must not match.
	bogus := full[:len(full)-1] + "0"
	if bogus == full {
		bogus = full[:len(full)-1] + "1"
	}
	miss, err := s.LookupAPIKey(ctx, bogus)
	require.NoError(t, err)
	assert.Nil(t, miss)

	ok, err := s.RevokeAPIKey(ctx, rec.Prefix)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err = s.LookupAPIKey(ctx, full)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.False(t, found.Active)
}

func TestAuditAppend(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.GetOrCreateUser(ctx, "erin", "jwt", "", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendAudit(ctx, AuditEntry{UserID: u.ID, Action: AuditToolExecuted, Resource: "fs/read_file"}))
	entries, err := s.ListAudit(ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditToolExecuted, entries[0].Action)
}
