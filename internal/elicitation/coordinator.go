package elicitation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// FallbackPolicy decides what happens when the client advertises no
// elicitation capability.
type FallbackPolicy string

const (
	// FallbackDeny fails operations that would need elicitation.
	FallbackDeny FallbackPolicy = "deny"
	// FallbackAllow lets them proceed without prompting.
	FallbackAllow FallbackPolicy = "allow"
)

// ApprovalAction is the user's answer to an approval form.
type ApprovalAction string

const (
	ApprovalAllowOnce   ApprovalAction = "allow_once"
	ApprovalAlwaysAllow ApprovalAction = "always_allow"
	ApprovalDeny        ApprovalAction = "deny"
)

// ApprovalOptions are the choices offered by every approval elicitation.
var ApprovalOptions = []ApprovalAction{ApprovalAllowOnce, ApprovalAlwaysAllow, ApprovalDeny}

// Prompter delivers an elicitation request to the connected client.
// Implementations must not block: the coordinator waits on the
// rendezvous, the prompter only dispatches.
type Prompter interface {
	// SupportsElicitation reports whether the client can receive
	// elicitation requests.
	SupportsElicitation() bool

	// Prompt pushes the request to the client. The client answers via
	// Coordinator.Resolve with the elicitation id.
	Prompt(e *Elicitation)
}

// DefaultTimeout applies when the user has no preference stored.
const DefaultTimeout = 300 * time.Second

// Coordinator runs the three elicitation flows against one shared store.
type Coordinator struct {
	store    *Store
	db       *store.Store
	oauth    *StateTable
	fallback FallbackPolicy
	baseURL  string
	logger   *zap.Logger

	// timeoutOverride shortens deadlines in tests.
	timeoutOverride time.Duration
}

// NewCoordinator creates a coordinator. baseURL is the public base used
// to mint OAuth connect URLs.
func NewCoordinator(db *store.Store, fallback FallbackPolicy, baseURL string, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallback == "" {
		fallback = FallbackDeny
	}
	return &Coordinator{
		store:    NewStore(),
		db:       db,
		oauth:    NewStateTable(),
		fallback: fallback,
		baseURL:  baseURL,
		logger:   logger,
	}
}

// Store exposes the shared elicitation store.
func (c *Coordinator) Store() *Store { return c.store }

// timeoutFor reads the user's elicitation timeout preference.
func (c *Coordinator) timeoutFor(ctx context.Context, userID string) time.Duration {
	if c.timeoutOverride > 0 {
		return c.timeoutOverride
	}
	if userID == "" || c.db == nil {
		return DefaultTimeout
	}
	prefs, err := c.db.GetPreferences(ctx, userID)
	if err != nil || prefs.ElicitationTimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(prefs.ElicitationTimeoutSeconds) * time.Second
}

// RequestForm runs a form elicitation to completion: it validates the
// submitted values against the schema and re-prompts are the client's
// concern. Timeout surfaces ElicitationTimeout, a declined or canceled
// form ElicitationDeclined.
func (c *Coordinator) RequestForm(ctx context.Context, prompter Prompter, userID, service string, schema *FormSchema) (map[string]any, error) {
	if !prompter.SupportsElicitation() {
		if c.fallback == FallbackAllow {
			return map[string]any{}, nil
		}
		return nil, uerr.New(uerr.TagElicitationDeclined, "client cannot elicit and fallback policy is deny")
	}

	timeout := c.timeoutFor(ctx, userID)
	e := c.store.Create(userID, service, "", KindForm, schema, "", time.Now().Add(timeout))
	c.audit(ctx, userID, store.AuditElicitationRequested, service)
	prompter.Prompt(e)

	outcome, err := c.await(ctx, e, timeout)
	if err != nil {
		return nil, err
	}
	if violations := schema.Validate(outcome.Values); len(violations) > 0 {
		return nil, uerr.Validation(violations)
	}
	c.audit(ctx, userID, store.AuditElicitationCompleted, service)
	return outcome.Values, nil
}

// RequestApproval runs an approval elicitation for executing a tool and
// returns the chosen action. Permission and preference writes are the
// caller's responsibility.
func (c *Coordinator) RequestApproval(ctx context.Context, prompter Prompter, userID, service, tool string) (ApprovalAction, error) {
	if !prompter.SupportsElicitation() {
		if c.fallback == FallbackAllow {
			return ApprovalAllowOnce, nil
		}
		return "", uerr.New(uerr.TagPermissionDenied,
			"approval required for %s/%s but client cannot elicit", service, tool)
	}

	timeout := c.timeoutFor(ctx, userID)
	schema := &FormSchema{
		Properties: map[string]FormProperty{
			"action": {Type: "string", Enum: []string{
				string(ApprovalAllowOnce), string(ApprovalAlwaysAllow), string(ApprovalDeny),
			}},
		},
		Required: []string{"action"},
	}
	e := c.store.Create(userID, service, tool, KindApproval, schema, "", time.Now().Add(timeout))
	c.audit(ctx, userID, store.AuditElicitationRequested, service+"/"+tool)
	prompter.Prompt(e)

	outcome, err := c.await(ctx, e, timeout)
	if err != nil {
		return "", err
	}
	action, _ := outcome.Values["action"].(string)
	switch ApprovalAction(action) {
	case ApprovalAllowOnce, ApprovalAlwaysAllow, ApprovalDeny:
		c.audit(ctx, userID, store.AuditElicitationCompleted, service+"/"+tool)
		return ApprovalAction(action), nil
	}
	return "", uerr.Validation([]string{fmt.Sprintf("action: %q is not one of allow_once, always_allow, deny", action)})
}

// StartURLFlow creates a Url elicitation bound to an OAuth state token
// and returns the connect URL the client is sent to, together with the
// state token.
func (c *Coordinator) StartURLFlow(ctx context.Context, userID, service, provider string) (string, string, error) {
	timeout := c.timeoutFor(ctx, userID)
	e := c.store.Create(userID, service, "", KindURL, nil, provider, time.Now().Add(timeout))
	state := c.oauth.Issue(e.ID, userID)
	connectURL := fmt.Sprintf("%s/oauth/connect/%s?elicitation_id=%s", c.baseURL, provider, e.ID)
	c.audit(ctx, userID, store.AuditOAuthStarted, provider)
	return connectURL, state, nil
}

// RequireOAuth starts a Url elicitation and returns the
// UrlRedirectRequired error (MCP -32042) that tells the client to send
// the user to the connect URL. The URL and state ride in the details.
func (c *Coordinator) RequireOAuth(ctx context.Context, userID, service, provider string) error {
	connectURL, state, err := c.StartURLFlow(ctx, userID, service, provider)
	if err != nil {
		return err
	}
	redirect := uerr.New(uerr.TagURLRedirectRequired, "connect %s via %s", service, provider)
	redirect.Details = []string{connectURL, state}
	return redirect
}

// CompleteURLFlow validates and consumes the state on the OAuth
// callback, resolving the elicitation.
func (c *Coordinator) CompleteURLFlow(ctx context.Context, state string) error {
	bound, ok := c.oauth.Consume(state)
	if !ok {
		return uerr.New(uerr.TagInvalidToken, "unknown or already used oauth state")
	}
	e, err := c.store.Get(bound.ElicitationID)
	if err != nil {
		return err
	}
	if e.UserID != bound.UserID {
		return uerr.New(uerr.TagInvalidToken, "oauth state bound to a different user")
	}
	e.resolve(Outcome{Status: StatusCompleted, Values: map[string]any{}})
	c.audit(ctx, bound.UserID, store.AuditOAuthCompleted, e.Provider)
	return nil
}

// Resolve delivers the client's answer for a pending elicitation.
func (c *Coordinator) Resolve(id string, status Status, values map[string]any) error {
	e, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if !e.resolve(Outcome{Status: status, Values: values}) {
		return uerr.New(uerr.TagElicitationNotFound, "elicitation %s already resolved", id)
	}
	return nil
}

// await blocks on the rendezvous until the client answers, the deadline
// passes, or the request context is canceled.
func (c *Coordinator) await(ctx context.Context, e *Elicitation, timeout time.Duration) (Outcome, error) {
	defer c.store.Remove(e.ID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-e.done:
		switch outcome.Status {
		case StatusCompleted:
			return outcome, nil
		case StatusDeclined, StatusCanceled:
			return Outcome{}, uerr.New(uerr.TagElicitationDeclined, "elicitation %s was %s", e.ID, outcome.Status)
		default:
			return Outcome{}, uerr.New(uerr.TagElicitationTimeout, "elicitation %s expired", e.ID)
		}
	case <-timer.C:
		e.resolve(Outcome{Status: StatusExpired})
		return Outcome{}, uerr.New(uerr.TagElicitationTimeout, "elicitation %s timed out after %s", e.ID, timeout)
	case <-ctx.Done():
		e.resolve(Outcome{Status: StatusCanceled})
		return Outcome{}, uerr.New(uerr.TagElicitationDeclined, "request canceled while awaiting elicitation %s", e.ID)
	}
}

func (c *Coordinator) audit(ctx context.Context, userID, action, resource string) {
	if c.db == nil || userID == "" {
		return
	}
	if err := c.db.AppendAudit(ctx, store.AuditEntry{UserID: userID, Action: action, Resource: resource}); err != nil {
		c.logger.Debug("audit write failed", zap.Error(err))
	}
}
