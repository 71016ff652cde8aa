// Command unicity is the meta-MCP orchestrator: it fronts a fleet of
// child MCP services and exposes a single discovery-and-execution
// surface to upstream clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/unicitynetwork/unicity-orchestrator/internal/auth"
	"github.com/unicitynetwork/unicity-orchestrator/internal/config"
	"github.com/unicitynetwork/unicity-orchestrator/internal/elicitation"
	"github.com/unicitynetwork/unicity-orchestrator/internal/embedding"
	"github.com/unicitynetwork/unicity-orchestrator/internal/orchestrator"
	"github.com/unicitynetwork/unicity-orchestrator/internal/selector"
	"github.com/unicitynetwork/unicity-orchestrator/internal/server"
	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// Exit codes.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitMissingEnv   = 2
	exitBackendError = 3
)

var (
	dbURL   string
	verbose bool
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "unicity",
	Short: "Meta-MCP orchestrator over a fleet of child MCP services",
	Long: `unicity fronts a heterogeneous fleet of MCP services, indexes every
tool, prompt and resource they expose, and presents one unified MCP
surface with semantic tool selection, symbolic re-ranking, planning,
and approval-gated execution.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		zapCfg := zap.NewProductionConfig()
		switch os.Getenv("UNICITY_LOG") {
		case "debug":
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		case "warn":
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		case "error":
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
		}
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		if cmd.Name() == "mcp-stdio" {
			// stdout carries the protocol; logs go to stderr only.
			zapCfg.OutputPaths = []string{"stderr"}
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func defaultDBURL() string {
	if v := os.Getenv("SURREALDB_URL"); v != "" {
		return v
	}
	return "memory"
}

func openStore() (*store.Store, error) {
	s, err := store.Open(dbURL, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func loadConfig() (*config.Config, string, error) {
	path, created, err := config.Resolve()
	if err != nil {
		return nil, "", err
	}
	if created {
		logger.Info("created empty configuration", zap.String("path", path))
	}
	cfg, err := config.Load(path, logger)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// errMissingEnv marks failures caused by required environment that was
// not provided; main maps it to its own exit code.
var errMissingEnv = errors.New("missing required environment")

func buildOrchestrator(s *store.Store, cfg *config.Config, baseURL string) (*orchestrator.Orchestrator, error) {
	embedCfg := embedding.ConfigFromEnv()
	if embedCfg.Provider == "genai" && embedCfg.GenAIAPIKey == "" {
		return nil, fmt.Errorf("%w: GENAI_API_KEY", errMissingEnv)
	}
	engine, err := embedding.NewEngine(embedCfg)
	if err != nil {
		return nil, uerr.Wrap(uerr.TagConfigInvalid, err, "embedding engine")
	}
	return orchestrator.New(s, cfg, orchestrator.Options{
		Engine:   engine,
		Fallback: elicitation.FallbackDeny,
		BaseURL:  baseURL,
	}, logger), nil
}

// warmup runs the full pipeline and loads a rules.yaml next to the
// configuration file when one exists.
func warmup(ctx context.Context, o *orchestrator.Orchestrator, configPath string) (int, int, error) {
	if configPath != "" {
		rulesPath := filepath.Join(filepath.Dir(configPath), "rules.yaml")
		if data, err := os.ReadFile(rulesPath); err == nil {
			n, err := o.ImportRulePack(ctx, data)
			if err != nil {
				return 0, 0, err
			}
			logger.Info("rule pack imported", zap.String("path", rulesPath), zap.Int("rules", n))
		}
	}
	return o.Warmup(ctx)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database schema",
	RunE: func(*cobra.Command, []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		fmt.Println("schema ready")
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover-tools",
	Short: "Start configured services and index their tools",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		o, err := buildOrchestrator(s, cfg, "http://localhost:8080")
		if err != nil {
			return err
		}
		defer o.Shutdown()

		services, tools, err := warmup(cmd.Context(), o, path)
		if err != nil {
			return err
		}
		fmt.Printf("discovered %d services, %d tools\n", services, tools)
		return nil
	},
}

var queryLimit int

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run a local semantic query against the indexed tools",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		cfg := &config.Config{MCPServers: map[string]config.ServerConfig{}}
		o, err := buildOrchestrator(s, cfg, "http://localhost:8080")
		if err != nil {
			return err
		}

		selections, err := o.Query(cmd.Context(), args[0], nil, nil, selector.Options{K: queryLimit})
		if err != nil {
			return err
		}
		if len(selections) == 0 {
			fmt.Println("no matching tools")
			return nil
		}
		for _, sel := range selections {
			fmt.Printf("%.3f  %-40s %s\n", sel.Confidence, sel.ServiceName+"/"+sel.ToolName, sel.Reasoning)
		}
		return nil
	},
}

var (
	serverPort      int
	serverAdminPort int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the REST façade with a separate admin port",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
		o, err := buildOrchestrator(s, cfg, baseURL)
		if err != nil {
			return err
		}
		defer o.Shutdown()

		ctx := signalContext(cmd.Context())
		if _, _, err := warmup(ctx, o, path); err != nil {
			return err
		}

		core := server.NewCore(o, logger)
		httpServer := server.NewHTTPServer(core,
			auth.New(auth.Config{AllowAnonymous: true}, s, logger), logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Listen(gctx, fmt.Sprintf(":%d", serverPort), httpServer.Handler(), logger)
		})
		g.Go(func() error {
			return server.Listen(gctx, fmt.Sprintf(":%d", serverAdminPort), httpServer.AdminHandler(), logger)
		})
		return g.Wait()
	},
}

var (
	mcpBind         string
	allowAnonymous  bool
	staticAPIKey    string
	enableDBAPIKeys bool
	jwksURL         string
	jwtIssuer       string
	jwtAudience     string
)

var mcpHTTPCmd = &cobra.Command{
	Use:   "mcp-http",
	Short: "Serve MCP over streamable HTTP",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		o, err := buildOrchestrator(s, cfg, "http://"+mcpBind)
		if err != nil {
			return err
		}
		defer o.Shutdown()

		ctx := signalContext(cmd.Context())
		if _, _, err := warmup(ctx, o, path); err != nil {
			return err
		}

		apiKey := staticAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("ORCHESTRATOR_API_KEY")
		}
		authenticator := auth.New(auth.Config{
			JWKSURL:        jwksURL,
			Issuer:         jwtIssuer,
			Audience:       jwtAudience,
			StaticAPIKey:   apiKey,
			DBAPIKeys:      enableDBAPIKeys,
			AllowAnonymous: allowAnonymous,
		}, s, logger)

		core := server.NewCore(o, logger)
		httpServer := server.NewHTTPServer(core, authenticator, logger)
		return server.Listen(ctx, mcpBind, httpServer.Handler(), logger)
	},
}

var mcpStdioCmd = &cobra.Command{
	Use:   "mcp-stdio",
	Short: "Serve MCP over stdio",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		o, err := buildOrchestrator(s, cfg, "http://localhost:8080")
		if err != nil {
			return err
		}
		defer o.Shutdown()

		ctx := signalContext(cmd.Context())
		if _, _, err := warmup(ctx, o, path); err != nil {
			return err
		}

		core := server.NewCore(o, logger)
		return server.NewStdioServer(core, logger).Serve(ctx, os.Stdin, os.Stdout)
	},
}

var apiKeyName string

var createAPIKeyCmd = &cobra.Command{
	Use:   "create-api-key",
	Short: "Mint a database-backed API key (shown once)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if apiKeyName == "" {
			return uerr.New(uerr.TagConfigInvalid, "--name is required")
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		full, rec, err := s.GenerateAPIKey(cmd.Context(), apiKeyName, "", nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s\nprefix: %s (store the full key now; it is not recoverable)\n", full, rec.Prefix)
		return nil
	},
}

var listAPIKeysCmd = &cobra.Command{
	Use:   "list-api-keys",
	Short: "List stored API keys",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		keys, err := s.ListAPIKeys(cmd.Context())
		if err != nil {
			return err
		}
		for _, key := range keys {
			status := "active"
			if !key.Active {
				status = "revoked"
			}
			fmt.Printf("uo_%s_********  %-20s %s\n", key.Prefix, key.Name, status)
		}
		return nil
	},
}

var revokeAPIKeyCmd = &cobra.Command{
	Use:   "revoke-api-key <prefix>",
	Short: "Revoke an API key by its prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ok, err := s.RevokeAPIKey(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return uerr.New(uerr.TagConfigInvalid, "no api key with prefix %s", args[0])
		}
		fmt.Println("revoked")
		return nil
	},
}

func signalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

func exitCodeFor(err error) int {
	if errors.Is(err, errMissingEnv) {
		return exitMissingEnv
	}
	var ue *uerr.Error
	if errors.As(err, &ue) {
		switch ue.Tag {
		case uerr.TagConfigInvalid:
			return exitConfigError
		case uerr.TagInternal:
			return exitBackendError
		}
	}
	return exitConfigError
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", defaultDBURL(), "database URL (or SURREALDB_URL; 'memory' for in-memory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	queryCmd.Flags().IntVar(&queryLimit, "limit", 10, "maximum results")
	serverCmd.Flags().IntVar(&serverPort, "port", 8080, "public REST port")
	serverCmd.Flags().IntVar(&serverAdminPort, "admin-port", 8081, "admin port")
	mcpHTTPCmd.Flags().StringVar(&mcpBind, "bind", "0.0.0.0:3942", "bind address for MCP over HTTP")
	mcpHTTPCmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "allow unauthenticated access")
	mcpHTTPCmd.Flags().StringVar(&staticAPIKey, "api-key", "", "static API key (or ORCHESTRATOR_API_KEY)")
	mcpHTTPCmd.Flags().BoolVar(&enableDBAPIKeys, "enable-db-api-keys", false, "accept database-backed API keys")
	mcpHTTPCmd.Flags().StringVar(&jwksURL, "jwks-url", "", "JWKS endpoint for Bearer-JWT auth")
	mcpHTTPCmd.Flags().StringVar(&jwtIssuer, "jwt-issuer", "", "required JWT issuer")
	mcpHTTPCmd.Flags().StringVar(&jwtAudience, "jwt-audience", "", "required JWT audience")
	createAPIKeyCmd.Flags().StringVar(&apiKeyName, "name", "", "key name")

	rootCmd.AddCommand(initCmd, discoverCmd, queryCmd, serverCmd,
		mcpHTTPCmd, mcpStdioCmd, createAPIKeyCmd, listAPIKeysCmd, revokeAPIKeyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}
