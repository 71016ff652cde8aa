package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/auth"
	"github.com/unicitynetwork/unicity-orchestrator/internal/selector"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// httpShutdownTimeout bounds graceful shutdown.
const httpShutdownTimeout = 5 * time.Second

// HTTPServer exposes MCP at /mcp plus the public REST façade. The admin
// surface (rediscover, sync) mounts on a separate port.
type HTTPServer struct {
	core          *Core
	authenticator *auth.Authenticator
	logger        *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHTTPServer creates the HTTP front over the shared core.
func NewHTTPServer(core *Core, authenticator *auth.Authenticator, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		core:          core,
		authenticator: authenticator,
		logger:        logger,
		sessions:      map[string]*Session{},
	}
}

// Handler returns the public mux: /mcp, /health, /query, /services, and
// the OAuth endpoints.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", s.handleMCP)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /services", s.handleServices)
	mux.HandleFunc("GET /oauth/connect/{provider}", s.handleOAuthConnect)
	mux.HandleFunc("GET /oauth/callback", s.handleOAuthCallback)
	return mux
}

// AdminHandler returns the admin mux: /discover and /sync.
func (s *HTTPServer) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /discover", s.handleDiscover)
	mux.HandleFunc("POST /sync", s.handleSync)
	return mux
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// session returns (creating if needed) the session for the request's
// Mcp-Session-Id header.
func (s *HTTPServer) session(r *http.Request, user *auth.UserContext) (*Session, string) {
	id := r.Header.Get("Mcp-Session-Id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if existing, ok := s.sessions[id]; ok {
			existing.User = user
			return existing, id
		}
	}
	id = uuid.NewString()
	session := &Session{ID: "http:" + id, User: user, Prompter: nonePrompter{}}
	s.sessions[id] = session
	return session, id
}

func (s *HTTPServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticator.Authenticate(r.Context(), r)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPC(w, "", errorResponse(nil, codeParseError, "parse error", nil))
		return
	}

	session, sessionID := s.session(r, user)
	resp := s.core.Handle(r.Context(), session, &req)
	if resp == nil {
		w.Header().Set("Mcp-Session-Id", sessionID)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSONRPC(w, sessionID, resp)
}

type queryRequest struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context"`
}

func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticator.Authenticate(r.Context(), r)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"query\": ...}"})
		return
	}

	selections, err := s.core.orch.Query(r.Context(), req.Query, req.Context, user, selector.Options{})
	if err != nil {
		s.writeTaggedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"selections": selections})
}

func (s *HTTPServer) handleServices(w http.ResponseWriter, r *http.Request) {
	services := s.core.orch.Supervisor().All()
	out := make([]map[string]any, 0, len(services))
	for _, svc := range services {
		entry := map[string]any{
			"name":  svc.Name,
			"state": string(svc.State()),
		}
		if info := svc.Info(); info != nil {
			entry["server"] = info.Name
			entry["version"] = info.Version
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (s *HTTPServer) handleDiscover(w http.ResponseWriter, r *http.Request) {
	services, tools, err := s.core.orch.Warmup(r.Context())
	if err != nil {
		s.writeTaggedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"services": services,
		"tools":    tools,
	})
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, _ *http.Request) {
	// Registry sync is an extension point; the route is wired, the
	// behavior is not.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "not_implemented"})
}

func (s *HTTPServer) handleOAuthConnect(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	elicitationID := r.URL.Query().Get("elicitation_id")
	if provider == "" || elicitationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "provider and elicitation_id required"})
		return
	}
	// The real provider handoff lives behind this page; completing the
	// flow comes back through /oauth/callback with the state token.
	writeJSON(w, http.StatusOK, map[string]string{
		"provider":      provider,
		"elicitationId": elicitationID,
		"next":          "/oauth/callback?state={state}",
	})
}

func (s *HTTPServer) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state required"})
		return
	}
	if err := s.core.orch.Elicitations().CompleteURLFlow(r.Context(), state); err != nil {
		s.writeTaggedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) writeTaggedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch uerr.TagOf(err) {
	case uerr.TagSchemaValidationFailed, uerr.TagConfigInvalid:
		status = http.StatusBadRequest
	case uerr.TagUnknownTool, uerr.TagElicitationNotFound:
		status = http.StatusNotFound
	case uerr.TagPermissionDenied:
		status = http.StatusForbidden
	case uerr.TagServiceBusy:
		status = http.StatusTooManyRequests
	case uerr.TagServiceUnavailable:
		status = http.StatusServiceUnavailable
	case uerr.TagInvalidToken, uerr.TagUnauthenticated, uerr.TagInvalidAPIKey,
		uerr.TagAPIKeyExpired, uerr.TagAPIKeyRevoked, uerr.TagUserDeactivated:
		status = http.StatusUnauthorized
	}
	s.logger.Debug("request failed", zap.Error(err))
	writeJSON(w, status, map[string]string{
		"error": string(uerr.TagOf(err)),
		"message": func() string {
			return rootMessage(err)
		}(),
	})
}

func writeAuthError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":   string(uerr.TagOf(err)),
		"message": rootMessage(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONRPC(w http.ResponseWriter, sessionID string, resp *rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if sessionID != "" {
		w.Header().Set("Mcp-Session-Id", sessionID)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// Listen serves handler on addr until ctx is done.
func Listen(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{Addr: addr, Handler: handler}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return uerr.Wrap(uerr.TagInternal, err, "listen on %s", addr)
	}
	logger.Info("listening", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && !strings.Contains(err.Error(), "Server closed") {
			return uerr.Wrap(uerr.TagInternal, err, "http server on %s", addr)
		}
		return nil
	}
}
