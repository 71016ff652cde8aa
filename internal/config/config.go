// Package config loads and validates the MCP service configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// ServerConfig describes one child MCP service. Exactly one of Command or
// URL must be set: Command spawns a stdio child, URL attaches over
// streamable HTTP.
type ServerConfig struct {
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	URL           string            `json:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Disabled      bool              `json:"disabled,omitempty"`
	AutoApprove   []string          `json:"autoApprove,omitempty"`
	DisabledTools []string          `json:"disabledTools,omitempty"`
}

// IsStdio reports whether this entry spawns a subprocess.
func (s *ServerConfig) IsStdio() bool { return s.Command != "" }

// AutoApproves reports whether tool is in the autoApprove set.
func (s *ServerConfig) AutoApproves(tool string) bool {
	for _, t := range s.AutoApprove {
		if t == tool {
			return true
		}
	}
	return false
}

// ToolDisabled reports whether tool is in the disabledTools set.
func (s *ServerConfig) ToolDisabled(tool string) bool {
	for _, t := range s.DisabledTools {
		if t == tool {
			return true
		}
	}
	return false
}

// Config is the parsed mcp.json.
type Config struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Resolve returns the path the configuration is loaded from, following the
// documented search order. When no file exists the last candidate is
// returned together with created=true after writing an empty config there.
func Resolve() (path string, created bool, err error) {
	candidates := make([]string, 0, 3)
	if p := os.Getenv("MCP_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "mcp", "mcp.json"))
	}
	candidates = append(candidates, "mcp.json")

	for _, c := range candidates {
		if _, statErr := os.Stat(c); statErr == nil {
			return c, false, nil
		}
	}

	last := candidates[len(candidates)-1]
	if dir := filepath.Dir(last); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false, uerr.Wrap(uerr.TagConfigInvalid, err, "cannot create config directory %s", dir)
		}
	}
	if err := os.WriteFile(last, []byte("{\"mcpServers\":{}}\n"), 0o644); err != nil {
		return "", false, uerr.Wrap(uerr.TagConfigInvalid, err, "cannot create config file %s", last)
	}
	return last, true, nil
}

// Load reads, expands, and validates the configuration at path.
func Load(path string, logger *zap.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagConfigInvalid, err, "cannot read config %s", path)
	}
	return Parse(data, logger)
}

// Parse decodes raw JSON into a validated Config, expanding ${VAR}
// references from the process environment.
func Parse(data []byte, logger *zap.Logger) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, uerr.Wrap(uerr.TagConfigInvalid, err, "malformed mcp.json")
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]ServerConfig{}
	}

	expander := newExpander(logger)
	for name, sc := range cfg.MCPServers {
		if (sc.Command == "") == (sc.URL == "") {
			return nil, uerr.New(uerr.TagConfigInvalid,
				"service %q must set exactly one of command or url", name)
		}
		sc.Command = expander.expand(sc.Command)
		sc.URL = expander.expand(sc.URL)
		for i, a := range sc.Args {
			sc.Args[i] = expander.expand(a)
		}
		for k, v := range sc.Env {
			sc.Env[k] = expander.expand(v)
		}
		for k, v := range sc.Headers {
			sc.Headers[k] = expander.expand(v)
		}
		cfg.MCPServers[name] = sc
	}
	return &cfg, nil
}

// Serialize renders the config back to JSON. parse(serialize(parse(x)))
// equals parse(x) modulo environment expansion.
func (c *Config) Serialize() ([]byte, error) {
	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "serialize config")
	}
	return append(out, '\n'), nil
}

// Names returns the service names in map iteration order, which is not
// stable; callers needing determinism sort the result.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.MCPServers))
	for n := range c.MCPServers {
		names = append(names, n)
	}
	return names
}

// expander performs ${VAR} substitution, warning once per missing variable.
type expander struct {
	logger *zap.Logger
	warned map[string]bool
	mu     sync.Mutex
}

func newExpander(logger *zap.Logger) *expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &expander{logger: logger, warned: map[string]bool{}}
}

func (e *expander) expand(s string) string {
	if s == "" {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		e.mu.Lock()
		if !e.warned[name] {
			e.warned[name] = true
			e.logger.Warn("environment variable not set, leaving reference as-is",
				zap.String("var", name))
		}
		e.mu.Unlock()
		return match
	})
}

// Fingerprint is a stable identity for a service entry, used to detect
// config changes between warmups.
func (s *ServerConfig) Fingerprint() string {
	raw, _ := json.Marshal(s)
	return fmt.Sprintf("%x", raw)
}
