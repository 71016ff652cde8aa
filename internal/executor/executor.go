// Package executor routes a chosen tool call to its child service, gated
// by per-user permissions and approval elicitation, and wraps results
// with provenance.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/elicitation"
	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
	"github.com/unicitynetwork/unicity-orchestrator/internal/supervisor"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// Dispatcher sends a tool call to a child service. The supervisor is the
// production implementation.
type Dispatcher interface {
	CallTool(ctx context.Context, serviceName, toolName string, args map[string]any) (*supervisor.CallResult, error)
}

// retryPause gives a reconnecting child a moment before the single
// retry.
const retryPause = 500 * time.Millisecond

// Request is one execution request.
type Request struct {
	ToolID    string
	Args      map[string]any
	UserID    string // empty for anonymous callers
	Prompter  elicitation.Prompter
	IP        string
	UserAgent string
}

// Result is the wrapped child response.
type Result struct {
	ServiceName       string                    `json:"serviceName"`
	ToolName          string                    `json:"toolName"`
	Content           []supervisor.ContentBlock `json:"content"`
	StructuredContent json.RawMessage           `json:"structuredContent,omitempty"`
	IsError           bool                      `json:"isError,omitempty"`
}

// Executor is the execution coordinator.
type Executor struct {
	store      *store.Store
	dispatcher Dispatcher
	elic       *elicitation.Coordinator
	logger     *zap.Logger
}

// New creates an executor.
func New(s *store.Store, dispatcher Dispatcher, elic *elicitation.Coordinator, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{store: s, dispatcher: dispatcher, elic: elic, logger: logger}
}

// Execute resolves, gates, dispatches, and wraps one tool call.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	tool, err := e.store.GetTool(ctx, req.ToolID)
	if err != nil {
		return nil, err
	}
	if tool == nil {
		return nil, uerr.New(uerr.TagUnknownTool, "no tool with id %s", req.ToolID)
	}
	service, err := e.store.GetService(ctx, tool.ServiceID)
	if err != nil {
		return nil, err
	}
	if service == nil {
		return nil, uerr.New(uerr.TagUnknownTool, "tool %s has no service record", req.ToolID)
	}

	oneShotID, err := e.gate(ctx, req, tool, service)
	if err != nil {
		return nil, err
	}

	result, err := e.dispatch(ctx, service.Name, tool.Name, req.Args)
	if err != nil {
		return nil, err
	}

	// Provenance tags the first text block so users can identify the
	// originating child.
	for i := range result.Content {
		if result.Content[i].Type == "text" {
			result.Content[i].Text = elicitation.Provenance(service.Name, result.Content[i].Text)
			break
		}
	}

	if oneShotID != "" {
		if err := e.store.ConsumePermission(ctx, oneShotID); err != nil {
			e.logger.Warn("failed to consume one-shot permission", zap.Error(err))
		}
	}
	if err := e.store.BumpToolUsage(ctx, tool.ID); err != nil {
		e.logger.Debug("usage bump failed", zap.Error(err))
	}
	e.audit(ctx, req, store.AuditToolExecuted, service.Name+"/"+tool.Name)

	return &Result{
		ServiceName:       service.Name,
		ToolName:          tool.Name,
		Content:           result.Content,
		StructuredContent: result.StructuredContent,
		IsError:           result.IsError,
	}, nil
}

// gate consults permissions and runs the approval flow when required.
// It returns the id of a one-shot permission to consume after a
// successful dispatch, or "".
func (e *Executor) gate(ctx context.Context, req Request, tool *store.ToolRecord, service *store.ServiceRecord) (string, error) {
	var prefs *store.Preferences
	if req.UserID != "" {
		var err error
		prefs, err = e.store.GetPreferences(ctx, req.UserID)
		if err != nil {
			return "", err
		}

		perm, err := e.store.FindLivePermission(ctx, req.UserID, service.Name, tool.Name)
		if err != nil {
			return "", err
		}
		if perm != nil {
			if perm.Scope == store.ScopeOneShot {
				return perm.ID, nil
			}
			return "", nil
		}
	}

	blocked := prefs != nil && containsString(prefs.BlockedServices, service.Name)
	autoApproved := service.Transport.AutoApprove != nil && containsString(service.Transport.AutoApprove, tool.Name)
	if !blocked && autoApproved {
		return "", nil
	}

	action, err := e.elic.RequestApproval(ctx, req.Prompter, req.UserID, service.Name, tool.Name)
	if err != nil {
		return "", err
	}

	remember := prefs == nil || prefs.RememberDecisions
	switch action {
	case elicitation.ApprovalDeny:
		if req.UserID != "" {
			_ = e.store.SavePermission(ctx, &store.PermissionRecord{
				UserID: req.UserID, Service: service.Name, Tool: tool.Name,
				Status: store.PermDenied, Scope: store.ScopePersistent,
			})
			e.audit(ctx, req, store.AuditPermissionDenied, service.Name+"/"+tool.Name)
		}
		return "", uerr.New(uerr.TagPermissionDenied, "user denied execution of %s/%s", service.Name, tool.Name)

	case elicitation.ApprovalAlwaysAllow:
		if req.UserID == "" {
			return "", nil
		}
		if !remember {
			// Without remembered decisions the grant degrades to one shot
			// and the blocked list is left untouched.
			perm := &store.PermissionRecord{
				UserID: req.UserID, Service: service.Name, Tool: tool.Name,
				Status: store.PermGranted, Scope: store.ScopeOneShot,
			}
			if err := e.store.SavePermission(ctx, perm); err != nil {
				return "", err
			}
			return perm.ID, nil
		}
		if prefs != nil && containsString(prefs.BlockedServices, service.Name) {
			prefs.BlockedServices = removeString(prefs.BlockedServices, service.Name)
			if err := e.store.SavePreferences(ctx, prefs); err != nil {
				return "", err
			}
			e.audit(ctx, req, store.AuditPreferencesUpdated, service.Name)
		}
		if err := e.store.SavePermission(ctx, &store.PermissionRecord{
			UserID: req.UserID, Service: service.Name, Tool: tool.Name,
			Status: store.PermGranted, Scope: store.ScopePersistent,
		}); err != nil {
			return "", err
		}
		e.audit(ctx, req, store.AuditPermissionGranted, service.Name+"/"+tool.Name)
		return "", nil

	case elicitation.ApprovalAllowOnce:
		if req.UserID == "" {
			return "", nil
		}
		perm := &store.PermissionRecord{
			UserID: req.UserID, Service: service.Name, Tool: tool.Name,
			Status: store.PermGranted, Scope: store.ScopeOneShot,
		}
		if err := e.store.SavePermission(ctx, perm); err != nil {
			return "", err
		}
		e.audit(ctx, req, store.AuditPermissionGranted, service.Name+"/"+tool.Name)
		return perm.ID, nil
	}
	return "", uerr.New(uerr.TagInternal, "unexpected approval action %q", action)
}

// dispatch sends the call, retrying exactly once on a retryable
// transport error to let the service reconnect.
func (e *Executor) dispatch(ctx context.Context, serviceName, toolName string, args map[string]any) (*supervisor.CallResult, error) {
	result, err := e.dispatcher.CallTool(ctx, serviceName, toolName, args)
	if err == nil {
		return result, nil
	}
	if !uerr.IsRetryable(err) {
		return nil, err
	}

	e.logger.Info("retrying tool call after transport error",
		zap.String("service", serviceName),
		zap.String("tool", toolName),
		zap.Error(err))
	select {
	case <-time.After(retryPause):
	case <-ctx.Done():
		return nil, uerr.Transport(false, ctx.Err(), "canceled during retry pause")
	}
	return e.dispatcher.CallTool(ctx, serviceName, toolName, args)
}

func (e *Executor) audit(ctx context.Context, req Request, action, resource string) {
	if err := e.store.AppendAudit(ctx, store.AuditEntry{
		UserID:    req.UserID,
		Action:    action,
		Resource:  resource,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	}); err != nil {
		e.logger.Debug("audit write failed", zap.Error(err))
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
