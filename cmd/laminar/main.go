package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/laminarhq/laminar/internal/engine"
	"github.com/laminarhq/laminar/internal/expressions"
	"github.com/laminarhq/laminar/internal/httpapi"
	"github.com/laminarhq/laminar/internal/isolation"
	"github.com/laminarhq/laminar/internal/logging"
	"github.com/laminarhq/laminar/internal/plugins"
	"github.com/laminarhq/laminar/internal/proposer"
	"github.com/laminarhq/laminar/internal/runner"
	"github.com/laminarhq/laminar/internal/scheduler"
	"github.com/laminarhq/laminar/internal/secrets"
	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/internal/streaming"
	"github.com/laminarhq/laminar/internal/toolgraph"
	"github.com/laminarhq/laminar/internal/validation"
	"github.com/laminarhq/laminar/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "laminar:", err)
		os.Exit(1)
	}
}

// submitterRelay breaks the construction cycle between the scheduler and the
// HTTP server: the scheduler needs a Submitter, and the server needs the
// scheduler for cron validation.
type submitterRelay struct {
	inner scheduler.Submitter
}

func (r *submitterRelay) Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error) {
	if r.inner == nil {
		return "", errors.New("submitter not wired")
	}
	return r.inner.Submit(ctx, req)
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(laminarDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Persistence.
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	// Event streaming: durable log teed into the in-process hub.
	hub := streaming.NewMemoryHub()
	eventLog := streaming.NewBroadcaster(store.NewEventLog(st), hub)

	// Tool registry with builtins.
	jsonValidator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("schema validator: %w", err)
	}
	registry := runner.NewRegistry()
	if err := runner.RegisterBuiltins(registry, jsonValidator, runner.HTTPConfig{}, runner.FSConfig{}); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	// Capability graph: persisted tool/procedure knowledge.
	graph, err := toolgraph.Open(cfg.GraphDir)
	if err != nil {
		return fmt.Errorf("open tool graph: %w", err)
	}
	defer graph.Close()
	capabilities := toolgraph.NewCapabilityGraph(graph)
	seedCapabilities(capabilities, registry, logger)

	// Sandbox isolation.
	isolator, err := isolation.NewIsolator()
	if err != nil {
		return fmt.Errorf("isolator: %w", err)
	}
	policy, err := loadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}

	// Secret vault (optional).
	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		salt, saltErr := loadOrCreateSalt(filepath.Join(laminarDir(), "vault.salt"))
		if saltErr != nil {
			return fmt.Errorf("vault salt: %w", saltErr)
		}
		vault, err = secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       salt,
		})
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
	}

	// Task runners.
	dispatcher := runner.NewDispatcher(runner.DispatcherConfig{
		Registry: registry,
		Sandbox: runner.NewSandboxRunner(runner.SandboxConfig{
			Isolator: isolator,
			Policy:   policy,
			Logger:   logger,
		}),
		Procedures: runner.NewProcedureRunner(runner.ProcedureConfig{
			Source:       capabilities,
			Registry:     registry,
			Interpolator: expressions.NewInterpolator(vault),
			Logger:       logger,
		}),
		Breakers: runner.NewBreakerRegistry(runner.DefaultBreakerConfig()),
		Logger:   logger,
	})

	// Executor.
	prop := &proposer.ToolGraphProposer{Capabilities: capabilities, Logger: logger}
	execCfg := engine.ExecutorConfig{
		PoolSize:        cfg.PoolSize,
		CheckpointsKept: cfg.CheckpointsKept,
	}
	var exec engine.Executor
	if vault != nil {
		exec = engine.NewExecutor(st, eventLog, dispatcher, prop, execCfg, vault)
	} else {
		exec = engine.NewExecutor(st, eventLog, dispatcher, prop, execCfg)
	}
	defer exec.Shutdown()

	wfValidator, err := validation.NewWorkflowValidator(dispatcher)
	if err != nil {
		return fmt.Errorf("workflow validator: %w", err)
	}

	// Scheduler and HTTP API share the submission path; the relay resolves
	// their circular construction.
	relay := &submitterRelay{}
	sched := scheduler.NewScheduler(st, relay, logger)
	apiSrv := httpapi.NewServer(httpapi.Deps{
		Store:     st,
		Executor:  exec,
		Hub:       hub,
		Validator: wfValidator,
		Scheduler: sched,
		Logger:    logger,
	})
	relay.inner = apiSrv

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("recover missed schedules", "error", err)
	}

	// Plugins registered in the store.
	pluginMgr := plugins.NewPluginManager(st, registry, logger)
	loadStoredPlugins(ctx, pluginMgr, st, logger)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = pluginMgr.StopAll(stopCtx)
	}()

	// MCP surface with run-event notifications.
	mcpSrv := mcp.NewServer(mcp.ServerDeps{
		Executor:  exec,
		Store:     st,
		Hub:       hub,
		Validator: wfValidator,
		Logger:    logger,
	})
	notifier := mcp.NewMCPNotifier(mcpSrv.MCPServer(), mcpSrv.Sessions())
	go func() {
		if err := mcp.RunEventBridge(ctx, hub, mcpSrv.Sessions(), notifier, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event bridge stopped", "error", err)
		}
	}()

	// HTTP transport.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	if cfg.MCPStdio {
		logger.Info("mcp stdio transport started")
		if err := mcpSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mcp serve", "error", err)
		}
		stop()
	}

	select {
	case err := <-httpErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := graph.Flush(); err != nil {
		logger.Warn("flush tool graph", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func loadPolicy(path string) (*isolation.CapabilityPolicy, error) {
	if path == "" {
		return isolation.DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability policy: %w", err)
	}
	policy, err := isolation.ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("parse capability policy: %w", err)
	}
	return policy, nil
}

// seedCapabilities mirrors the builtin registry into the persisted
// capability graph so the proposer can discover the tools.
func seedCapabilities(capabilities *toolgraph.CapabilityGraph, registry *runner.Registry, logger *slog.Logger) {
	for _, info := range registry.List() {
		if _, ok := capabilities.FindTool(info.Name); ok {
			continue
		}
		if _, err := capabilities.RegisterTool(toolgraph.ToolRecord{
			Name:          info.Name,
			Description:   info.Description,
			MinCapability: info.MinCapability,
		}); err != nil {
			logger.Warn("seed capability graph", "tool", info.Name, "error", err)
		}
	}
}

// loadStoredPlugins starts every active MCP plugin registered in the store.
func loadStoredPlugins(ctx context.Context, mgr *plugins.PluginManager, st store.Store, logger *slog.Logger) {
	rows, err := st.ListPlugins(ctx)
	if err != nil {
		logger.Warn("list plugins", "error", err)
		return
	}
	for _, row := range rows {
		if row.Type != "mcp" || row.Status != "active" {
			continue
		}
		var pc plugins.PluginConfig
		if err := json.Unmarshal(row.Config, &pc); err != nil {
			logger.Warn("plugin config", "plugin", row.ID, "error", err)
			continue
		}
		pc.ID = row.ID
		pc.Name = row.Name
		if err := mgr.LoadPlugin(ctx, pc); err != nil {
			logger.Warn("load plugin", "plugin", row.ID, "error", err)
			continue
		}
		if err := mgr.DiscoverTools(ctx, row.ID); err != nil {
			logger.Warn("discover plugin tools", "plugin", row.ID, "error", err)
		}
	}
}

// loadOrCreateSalt reads the vault salt, generating one on first use.
func loadOrCreateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) >= 16 {
		return data, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}
