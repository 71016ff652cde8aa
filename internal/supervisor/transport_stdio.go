package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// StdioTransport speaks line-framed JSON-RPC with a spawned subprocess.
type StdioTransport struct {
	command string
	args    []string
	env     map[string]string
	logger  *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	connected bool
	nextID    int64
	pending   map[int64]chan *rpcResponse

	done chan struct{}
	wg   sync.WaitGroup
}

// NewStdioTransport creates a transport that will spawn the given command
// with its arg list and environment additions.
func NewStdioTransport(command string, args []string, env map[string]string, logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{
		command: command,
		args:    args,
		env:     env,
		logger:  logger,
		nextID:  1,
		pending: map[int64]chan *rpcResponse{},
	}
}

// Connect starts the subprocess, the reader loops, and performs the MCP
// handshake.
func (t *StdioTransport) Connect(ctx context.Context) (*ServerInfo, error) {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil, uerr.New(uerr.TagInternal, "stdio transport already connected")
	}
	if t.command == "" {
		t.mu.Unlock()
		return nil, uerr.New(uerr.TagConfigInvalid, "empty command for stdio transport")
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return nil, uerr.Wrap(uerr.TagTransport, err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return nil, uerr.Wrap(uerr.TagTransport, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return nil, uerr.Wrap(uerr.TagTransport, err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return nil, uerr.Transport(false, err, "start %s", t.command)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.connected = true
	t.done = make(chan struct{})
	t.wg.Add(2)
	go t.readStdout(stdout)
	go t.readStderr(stderr)
	t.mu.Unlock()

	raw, err := t.Call(ctx, "initialize", initializeParams())
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	info := parseInitializeResult(raw, t.command)

	// The initialized notification completes the handshake; no reply.
	t.notify("notifications/initialized", nil)
	return info, nil
}

// Call sends a request and waits for the matching response line.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, uerr.New(uerr.TagServiceUnavailable, "stdio child not running")
	}
	id := t.nextID
	t.nextID++
	ch := make(chan *rpcResponse, 1)
	t.pending[id] = ch

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, uerr.Wrap(uerr.TagInternal, err, "marshal %s request", method)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, uerr.Transport(true, err, "write to %s", t.command)
	}
	t.mu.Unlock()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, uerr.Transport(true, nil, "connection to %s closed", t.command)
		}
		if resp.Error != nil {
			return nil, uerr.Wrap(uerr.TagTransport, resp.Error, "%s failed", method)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, uerr.Transport(false, ctx.Err(), "%s on %s", method, t.command)
	}
}

func (t *StdioTransport) notify(method string, params any) {
	data, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return
	}
	t.mu.Lock()
	if t.stdin != nil {
		_, _ = t.stdin.Write(append(data, '\n'))
	}
	t.mu.Unlock()
}

// Close kills the subprocess and fails every pending call.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	close(t.done)
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		t.wg.Wait()
		if t.cmd != nil {
			_ = t.cmd.Wait()
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.logger.Warn("timeout waiting for stdio reader goroutines", zap.String("command", t.command))
	}
	return nil
}

// readStdout dispatches response lines to their pending calls.
func (t *StdioTransport) readStdout(stdout io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Warn("unparseable line from child", zap.String("command", t.command), zap.Error(err))
			continue
		}
		if resp.ID == 0 && resp.Result == nil && resp.Error == nil {
			// Server-initiated notification; children of this orchestrator
			// have nothing to push yet.
			t.logger.Debug("child notification", zap.String("command", t.command), zap.ByteString("line", line))
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp
		} else {
			t.logger.Warn("response for unknown id", zap.String("command", t.command), zap.Int64("id", resp.ID))
		}
	}

	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if wasConnected {
		t.logger.Warn("child stdout closed", zap.String("command", t.command), zap.Error(scanner.Err()))
	}
}

// readStderr forwards the child's stderr to the log.
func (t *StdioTransport) readStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("child stderr",
			zap.String("command", t.command),
			zap.String("line", scanner.Text()))
	}
}

var _ Transport = (*StdioTransport)(nil)

func (t *StdioTransport) String() string {
	return fmt.Sprintf("stdio(%s)", t.command)
}
