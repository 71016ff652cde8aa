package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/auth"
	"github.com/unicitynetwork/unicity-orchestrator/internal/elicitation"
)

// StdioServer serves one MCP client over line-framed JSON-RPC on
// stdin/stdout. Elicitations go out as server-initiated
// elicitation/create requests; the client answers with
// elicitation/respond.
type StdioServer struct {
	core   *Core
	logger *zap.Logger

	writeMu sync.Mutex
	out     io.Writer

	nextServerID int64
}

// NewStdioServer creates a stdio front over the shared core.
func NewStdioServer(core *Core, logger *zap.Logger) *StdioServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioServer{core: core, logger: logger}
}

// Serve reads requests from in until EOF or context cancellation.
func (s *StdioServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	session := &Session{
		ID:   "stdio:" + uuid.NewString(),
		User: auth.Anonymous(),
	}
	session.Prompter = &stdioPrompter{server: s}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(errorResponse(nil, codeParseError, "parse error", nil))
			continue
		}
		if req.Method == "" {
			// A response to a server-initiated request; elicitation
			// answers arrive as elicitation/respond calls instead.
			continue
		}
		if resp := s.core.Handle(ctx, session, &req); resp != nil {
			s.write(resp)
		}
	}
	s.core.orch.Resources().DropSession(session.ID)
	return scanner.Err()
}

func (s *StdioServer) write(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("response marshal failed", zap.Error(err))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.out.Write(append(raw, '\n'))
}

// stdioPrompter pushes elicitation requests to the client as
// server-initiated JSON-RPC requests.
type stdioPrompter struct {
	server *StdioServer
}

func (p *stdioPrompter) SupportsElicitation() bool { return true }

func (p *stdioPrompter) Prompt(e *elicitation.Elicitation) {
	id := atomic.AddInt64(&p.server.nextServerID, 1)
	rawID, _ := json.Marshal(map[string]any{"server": id})

	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(rawID),
		"method":  "elicitation/create",
		"params": map[string]any{
			"elicitationId": e.ID,
			"kind":          string(e.Kind),
			"service":       e.Service,
			"tool":          e.Tool,
			"schema":        e.Schema,
			"message": elicitation.Provenance(e.Service,
				"approval required before this call can proceed"),
		},
	}
	p.server.write(payload)
}
