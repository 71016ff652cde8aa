package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator/internal/supervisor"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// fakeService serves scripted prompts and resources.
type fakeService struct {
	name      string
	prompts   []supervisor.PromptSpec
	resources []supervisor.ResourceSpec
	templates []supervisor.ResourceTemplateSpec

	reads      []string
	subscribed []string
}

func (f *fakeService) ServiceName() string { return f.name }

func (f *fakeService) ListPrompts(context.Context) ([]supervisor.PromptSpec, error) {
	return f.prompts, nil
}

func (f *fakeService) GetPrompt(_ context.Context, name string, _ map[string]string) (*supervisor.GetPromptResult, error) {
	return &supervisor.GetPromptResult{Messages: []supervisor.PromptMessage{
		{Role: "user", Content: supervisor.ContentBlock{Type: "text", Text: "prompt " + name + " from " + f.name}},
	}}, nil
}

func (f *fakeService) ListResources(context.Context) ([]supervisor.ResourceSpec, []supervisor.ResourceTemplateSpec, error) {
	return f.resources, f.templates, nil
}

func (f *fakeService) ReadResource(_ context.Context, uri string) (*supervisor.ReadResourceResult, error) {
	f.reads = append(f.reads, uri)
	return &supervisor.ReadResourceResult{Contents: []supervisor.ResourceContents{{URI: uri, Text: "contents"}}}, nil
}

func (f *fakeService) Subscribe(_ context.Context, uri string) error {
	f.subscribed = append(f.subscribed, uri)
	return nil
}

func (f *fakeService) Unsubscribe(context.Context, string) error { return nil }

func TestPromptConflictAliasing(t *testing.T) {
	github := &fakeService{name: "github", prompts: []supervisor.PromptSpec{{Name: "commit"}}}
	gitlab := &fakeService{name: "gitlab", prompts: []supervisor.PromptSpec{{Name: "commit"}}}

	r := NewPromptRegistry(nil)
	// Reverse order in: discovery must still be deterministic by
	// ascending service name.
	count := r.Discover(context.Background(), []PromptSource{gitlab, github})
	assert.Equal(t, 2, count)

	var names []string
	for _, spec := range r.List() {
		names = append(names, spec.Name)
	}
	assert.Equal(t, []string{"commit", "github:commit", "gitlab:commit"}, names)

	// Bare name resolves to the first-discovered owner.
	entry, err := r.Resolve("commit")
	require.NoError(t, err)
	assert.Equal(t, "github", entry.Service.ServiceName())

	entry, err = r.Resolve("gitlab:commit")
	require.NoError(t, err)
	assert.Equal(t, "gitlab", entry.Service.ServiceName())
}

func TestPromptCaseInsensitiveFallback(t *testing.T) {
	svc := &fakeService{name: "docs", prompts: []supervisor.PromptSpec{{Name: "Summarize"}}}
	r := NewPromptRegistry(nil)
	r.Discover(context.Background(), []PromptSource{svc})

	entry, err := r.Resolve("summarize")
	require.NoError(t, err)
	assert.Equal(t, "Summarize", entry.Name)
}

func TestPromptGetAddsProvenance(t *testing.T) {
	svc := &fakeService{name: "docs", prompts: []supervisor.PromptSpec{{Name: "summarize"}}}
	r := NewPromptRegistry(nil)
	r.Discover(context.Background(), []PromptSource{svc})

	result, err := r.Get(context.Background(), "summarize", nil)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "[docs] prompt summarize from docs", result.Messages[0].Content.Text)
}

func TestPromptInvalidNamesSkipped(t *testing.T) {
	svc := &fakeService{name: "docs", prompts: []supervisor.PromptSpec{
		{Name: "ok_name"},
		{Name: "bad name with spaces"},
	}}
	r := NewPromptRegistry(nil)
	count := r.Discover(context.Background(), []PromptSource{svc})
	assert.Equal(t, 1, count)
}

func TestPromptArgValidation(t *testing.T) {
	svc := &fakeService{name: "docs", prompts: []supervisor.PromptSpec{{Name: "summarize"}}}
	r := NewPromptRegistry(nil)
	r.Discover(context.Background(), []PromptSource{svc})

	_, err := r.Get(context.Background(), "summarize", map[string]string{"bad key!": "x"})
	assert.Equal(t, uerr.TagSchemaValidationFailed, uerr.TagOf(err))

	big := map[string]string{}
	for i := 0; i < 101; i++ {
		big[promptArgKey(i)] = "v"
	}
	_, err = r.Get(context.Background(), "summarize", big)
	assert.Equal(t, uerr.TagSchemaValidationFailed, uerr.TagOf(err))
}

func promptArgKey(i int) string {
	return "arg_" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + string(rune('a'+(i/676)%26))
}

func TestResourceFirstWriterWins(t *testing.T) {
	alpha := &fakeService{name: "alpha", resources: []supervisor.ResourceSpec{{URI: "file:///shared.txt"}}}
	beta := &fakeService{name: "beta", resources: []supervisor.ResourceSpec{{URI: "FILE:///shared.txt"}}}

	r := NewResourceRegistry(nil)
	count := r.Discover(context.Background(), []ResourceSource{beta, alpha})
	assert.Equal(t, 1, count)

	_, err := r.Read(context.Background(), "file:///shared.txt")
	require.NoError(t, err)
	assert.Len(t, alpha.reads, 1)
	assert.Empty(t, beta.reads)
}

func TestResourceURIValidation(t *testing.T) {
	r := NewResourceRegistry(nil)

	bad := []string{
		"no-scheme-here",
		"file:///etc/../etc/shadow",
		"file:///with\x00nul",
		"file:///" + string(make([]byte, 5000)),
	}
	for _, uri := range bad {
		_, err := r.Read(context.Background(), uri)
		assert.Equal(t, uerr.TagSchemaValidationFailed, uerr.TagOf(err), "uri %q", uri)
	}
}

func TestResourceTemplateMatching(t *testing.T) {
	git := &fakeService{name: "git", templates: []supervisor.ResourceTemplateSpec{
		{URITemplate: "git://{repo}/file/{path}"},
	}}
	r := NewResourceRegistry(nil)
	r.Discover(context.Background(), []ResourceSource{git})

	// Templates are exposed verbatim.
	templates := r.Templates()
	require.Len(t, templates, 1)
	assert.Equal(t, "git://{repo}/file/{path}", templates[0].URITemplate)

	_, err := r.Read(context.Background(), "git://myrepo/file/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"git://myrepo/file/src/main.go"}, git.reads)

	_, err = r.Read(context.Background(), "svn://myrepo/file/x")
	assert.Equal(t, uerr.TagElicitationNotFound, uerr.TagOf(err))
}

func TestResourceSubscriptions(t *testing.T) {
	svc := &fakeService{name: "fs", resources: []supervisor.ResourceSpec{{URI: "file:///watched.txt"}}}
	r := NewResourceRegistry(nil)

	notified := 0
	r.SetOnListChanged(func() { notified++ })
	r.Discover(context.Background(), []ResourceSource{svc})
	assert.Equal(t, 1, notified)

	require.NoError(t, r.Subscribe(context.Background(), "session1", "file:///watched.txt"))
	assert.Equal(t, []string{"file:///watched.txt"}, r.Subscriptions("session1"))
	assert.Equal(t, []string{"file:///watched.txt"}, svc.subscribed)

	require.NoError(t, r.Unsubscribe(context.Background(), "session1", "file:///watched.txt"))
	assert.Empty(t, r.Subscriptions("session1"))
}
