package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator/internal/elicitation"
	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
	"github.com/unicitynetwork/unicity-orchestrator/internal/supervisor"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

type fakeDispatcher struct {
	calls    int
	failures int
	failWith error
}

func (d *fakeDispatcher) CallTool(_ context.Context, _, _ string, _ map[string]any) (*supervisor.CallResult, error) {
	d.calls++
	if d.failures > 0 {
		d.failures--
		return nil, d.failWith
	}
	return &supervisor.CallResult{Content: []supervisor.ContentBlock{{Type: "text", Text: "done"}}}, nil
}

type approvingPrompter struct {
	action elicitation.ApprovalAction
	coord  *elicitation.Coordinator
	asked  int
}

func (p *approvingPrompter) SupportsElicitation() bool { return true }

func (p *approvingPrompter) Prompt(e *elicitation.Elicitation) {
	p.asked++
	go func() {
		_ = p.coord.Resolve(e.ID, elicitation.StatusCompleted, map[string]any{"action": string(p.action)})
	}()
}

type env struct {
	store      *store.Store
	executor   *Executor
	dispatcher *fakeDispatcher
	coord      *elicitation.Coordinator
	toolID     string
	userID     string
}

func newEnv(t *testing.T, autoApprove []string) *env {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "exec.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.UpsertService(ctx, &store.ServiceRecord{
		Name:      "fs",
		Transport: store.TransportSpec{Command: "fs-server", AutoApprove: autoApprove},
	}))
	tool := &store.ToolRecord{
		ServiceID:   store.ServiceID("fs"),
		Name:        "read_file",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
	require.NoError(t, s.UpsertTool(ctx, tool))

	user, err := s.GetOrCreateUser(ctx, "alice", "jwt", "", "")
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	coord := elicitation.NewCoordinator(s, elicitation.FallbackDeny, "http://localhost:8080", nil)
	return &env{
		store:      s,
		executor:   New(s, dispatcher, coord, nil),
		dispatcher: dispatcher,
		coord:      coord,
		toolID:     tool.ID,
		userID:     user.ID,
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.executor.Execute(context.Background(), Request{ToolID: "tool:fs/missing"})
	assert.Equal(t, uerr.TagUnknownTool, uerr.TagOf(err))
}

func TestExecuteAutoApprovedAddsProvenance(t *testing.T) {
	e := newEnv(t, []string{"read_file"})
	p := &approvingPrompter{coord: e.coord}

	result, err := e.executor.Execute(context.Background(), Request{
		ToolID: e.toolID, UserID: e.userID, Prompter: p,
	})
	require.NoError(t, err)
	assert.Zero(t, p.asked)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "[fs] done", result.Content[0].Text)
}

func TestExecuteDenyWritesDeniedPermission(t *testing.T) {
	e := newEnv(t, nil)
	p := &approvingPrompter{coord: e.coord, action: elicitation.ApprovalDeny}

	_, err := e.executor.Execute(context.Background(), Request{
		ToolID: e.toolID, UserID: e.userID, Prompter: p,
	})
	assert.Equal(t, uerr.TagPermissionDenied, uerr.TagOf(err))
	assert.Equal(t, 1, p.asked)
	assert.Zero(t, e.dispatcher.calls)

	n, err := e.store.CountPermissions(context.Background(), e.userID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecuteAllowOnceConsumedAfterOneUse(t *testing.T) {
	e := newEnv(t, nil)
	p := &approvingPrompter{coord: e.coord, action: elicitation.ApprovalAllowOnce}

	_, err := e.executor.Execute(context.Background(), Request{
		ToolID: e.toolID, UserID: e.userID, Prompter: p,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.asked)

	// The one-shot permission is gone after exactly one execute.
	n, err := e.store.CountPermissions(context.Background(), e.userID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A second execution must prompt again.
	_, err = e.executor.Execute(context.Background(), Request{
		ToolID: e.toolID, UserID: e.userID, Prompter: p,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, p.asked)
}

func TestExecuteAlwaysAllowUnblocksAndPersists(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	prefs, err := e.store.GetPreferences(ctx, e.userID)
	require.NoError(t, err)
	prefs.BlockedServices = []string{"fs"}
	require.NoError(t, e.store.SavePreferences(ctx, prefs))

	p := &approvingPrompter{coord: e.coord, action: elicitation.ApprovalAlwaysAllow}
	result, err := e.executor.Execute(ctx, Request{ToolID: e.toolID, UserID: e.userID, Prompter: p})
	require.NoError(t, err)
	assert.Equal(t, "[fs] done", result.Content[0].Text)

	// fs is unblocked and a persistent grant exists.
	prefs, err = e.store.GetPreferences(ctx, e.userID)
	require.NoError(t, err)
	assert.NotContains(t, prefs.BlockedServices, "fs")

	perm, err := e.store.FindLivePermission(ctx, e.userID, "fs", "read_file")
	require.NoError(t, err)
	require.NotNil(t, perm)
	assert.Equal(t, store.ScopePersistent, perm.Scope)

	// Next execution proceeds on the stored grant without prompting.
	_, err = e.executor.Execute(ctx, Request{ToolID: e.toolID, UserID: e.userID, Prompter: p})
	require.NoError(t, err)
	assert.Equal(t, 1, p.asked)
}

func TestExecuteRetriesOnceOnRetryableTransportError(t *testing.T) {
	e := newEnv(t, []string{"read_file"})
	e.dispatcher.failures = 1
	e.dispatcher.failWith = uerr.Transport(true, nil, "pipe broke")

	result, err := e.executor.Execute(context.Background(), Request{
		ToolID: e.toolID, UserID: e.userID, Prompter: &approvingPrompter{coord: e.coord},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, e.dispatcher.calls)
	assert.Equal(t, "[fs] done", result.Content[0].Text)
}

func TestExecuteDoesNotRetryNonRetryableErrors(t *testing.T) {
	e := newEnv(t, []string{"read_file"})
	e.dispatcher.failures = 2
	e.dispatcher.failWith = uerr.Transport(false, nil, "bad request")

	_, err := e.executor.Execute(context.Background(), Request{
		ToolID: e.toolID, UserID: e.userID, Prompter: &approvingPrompter{coord: e.coord},
	})
	require.Error(t, err)
	assert.Equal(t, 1, e.dispatcher.calls)
}

func TestExecuteAnonymousWithAutoApprove(t *testing.T) {
	e := newEnv(t, []string{"read_file"})
	result, err := e.executor.Execute(context.Background(), Request{
		ToolID: e.toolID, Prompter: &approvingPrompter{coord: e.coord},
	})
	require.NoError(t, err)
	assert.Equal(t, "[fs] done", result.Content[0].Text)
}
