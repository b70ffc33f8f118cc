// Package plugins manages MCP plugin subprocesses: stdio JSON-RPC
// handshake, tool discovery, health checking and backoff restarts.
// Discovered tools are registered into the runner registry as a plugin
// tool group and dispatch like any built-in tool.
package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/laminarhq/laminar/internal/runner"
	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// PluginConfig describes how to launch and identify a plugin subprocess.
type PluginConfig struct {
	ID      string
	Name    string
	Command string   // MCP server binary path
	Args    []string // CLI arguments
	Env     []string // environment variables
}

// PluginManager manages the lifecycle of MCP plugin subprocesses.
type PluginManager struct {
	store    store.Store
	registry *runner.Registry
	plugins  map[string]*managedPlugin
	mu       sync.RWMutex
	logger   *slog.Logger
}

type managedPlugin struct {
	config     PluginConfig
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	reader     *bufio.Reader
	status     string // starting, healthy, unhealthy, crashed, stopped
	errCount   int
	lastErr    string
	cancelFunc context.CancelFunc

	// rpcMu serializes request/response pairs on the stdio transport.
	rpcMu sync.Mutex
}

// NewPluginManager creates a PluginManager.
func NewPluginManager(s store.Store, registry *runner.Registry, logger *slog.Logger) *PluginManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PluginManager{
		store:    s,
		registry: registry,
		plugins:  make(map[string]*managedPlugin),
		logger:   logger,
	}
}

// LoadPlugin starts a plugin subprocess and performs the MCP handshake.
func (pm *PluginManager) LoadPlugin(ctx context.Context, config PluginConfig) error {
	pm.mu.Lock()
	if _, exists := pm.plugins[config.ID]; exists {
		pm.mu.Unlock()
		return fmt.Errorf("plugin %q already loaded", config.ID)
	}
	pm.mu.Unlock()

	pluginCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(pluginCtx, config.Command, config.Args...)
	cmd.Env = config.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	mp := &managedPlugin{
		config:     config,
		cmd:        cmd,
		stdin:      stdin,
		reader:     bufio.NewReader(stdout),
		status:     "starting",
		cancelFunc: cancel,
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start plugin %q: %w", config.ID, err)
	}

	if err := pm.handshake(mp); err != nil {
		cancel()
		_ = cmd.Process.Kill()
		return fmt.Errorf("handshake with plugin %q: %w", config.ID, err)
	}

	mp.status = "healthy"

	pm.mu.Lock()
	pm.plugins[config.ID] = mp
	pm.mu.Unlock()

	configJSON, _ := json.Marshal(map[string]any{
		"command": config.Command,
		"args":    config.Args,
	})
	_ = pm.store.CreatePlugin(ctx, &store.Plugin{
		ID:     config.ID,
		Name:   config.Name,
		Type:   "mcp",
		Config: configJSON,
		Status: "active",
	})

	go pm.healthCheckLoop(pluginCtx, mp)

	pm.logger.Info("plugin loaded", slog.String("id", config.ID), slog.String("name", config.Name))
	return nil
}

// handshake sends the MCP initialize request and checks the response.
func (pm *PluginManager) handshake(mp *managedPlugin) error {
	resp, err := mp.roundTrip(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "laminar",
				"version": "1.0.0",
			},
		},
	}, 10*time.Second)
	if err != nil {
		return err
	}
	if errField, exists := resp["error"]; exists {
		return fmt.Errorf("plugin error: %v", errField)
	}
	return nil
}

// roundTrip writes one newline-delimited JSON-RPC request and reads one
// response line. Concurrent callers are serialized.
func (mp *managedPlugin) roundTrip(req map[string]any, timeout time.Duration) (map[string]any, error) {
	mp.rpcMu.Lock()
	defer mp.rpcMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := mp.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	done := make(chan map[string]any, 1)
	go func() {
		line, err := mp.reader.ReadBytes('\n')
		if err != nil {
			done <- nil
			return
		}
		var resp map[string]any
		_ = json.Unmarshal(line, &resp)
		done <- resp
	}()

	select {
	case resp := <-done:
		if resp == nil {
			return nil, fmt.Errorf("failed to read response")
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %s", timeout)
	}
}

// healthCheckLoop periodically pings the plugin and manages its status.
func (pm *PluginManager) healthCheckLoop(ctx context.Context, mp *managedPlugin) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pm.ping(mp); err != nil {
				pm.mu.Lock()
				mp.errCount++
				mp.lastErr = err.Error()
				if mp.errCount >= 3 {
					mp.status = "unhealthy"
					pm.logger.Warn("plugin unhealthy",
						slog.String("id", mp.config.ID),
						slog.Int("consecutive_errors", mp.errCount),
					)
					pm.mu.Unlock()
					pm.restartPlugin(ctx, mp)
					return
				}
				pm.mu.Unlock()
				_ = pm.store.UpdatePlugin(ctx, mp.config.ID, "active", mp.lastErr)
			} else {
				pm.mu.Lock()
				mp.errCount = 0
				mp.status = "healthy"
				pm.mu.Unlock()
				_ = pm.store.UpdatePlugin(ctx, mp.config.ID, "active", "")
			}
		}
	}
}

func (pm *PluginManager) ping(mp *managedPlugin) error {
	if mp.cmd.ProcessState != nil {
		return fmt.Errorf("process exited")
	}
	return nil
}

// restartPlugin restarts a plugin with exponential backoff.
func (pm *PluginManager) restartPlugin(ctx context.Context, mp *managedPlugin) {
	pm.mu.Lock()
	errCount := mp.errCount
	mp.status = "crashed"
	pm.mu.Unlock()

	_ = pm.store.UpdatePlugin(ctx, mp.config.ID, "error", mp.lastErr)

	// min(1s * 2^errCount, 60s)
	delay := time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(errCount)),
		float64(60*time.Second),
	))

	pm.logger.Info("restarting plugin",
		slog.String("id", mp.config.ID),
		slog.Duration("backoff", delay),
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	mp.cancelFunc()
	if mp.cmd.Process != nil {
		_ = mp.cmd.Process.Kill()
	}

	pm.mu.Lock()
	delete(pm.plugins, mp.config.ID)
	pm.mu.Unlock()
	pm.registry.UnregisterPlugin(mp.config.Name)

	if err := pm.LoadPlugin(ctx, mp.config); err != nil {
		pm.logger.Error("failed to restart plugin",
			slog.String("id", mp.config.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := pm.DiscoverTools(ctx, mp.config.ID); err != nil {
		pm.logger.Error("failed to rediscover plugin tools",
			slog.String("id", mp.config.ID),
			slog.String("error", err.Error()),
		)
	}
}

// DiscoverTools sends a tools/list request and registers the discovered
// tools as a plugin group named after the plugin.
func (pm *PluginManager) DiscoverTools(ctx context.Context, pluginID string) error {
	pm.mu.RLock()
	mp, ok := pm.plugins[pluginID]
	pm.mu.RUnlock()

	if !ok {
		return fmt.Errorf("plugin %q not found", pluginID)
	}

	resp, err := mp.roundTrip(map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
		"params":  map[string]any{},
	}, 10*time.Second)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	result, ok := resp["result"].(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected tools/list response format")
	}
	toolsRaw, ok := result["tools"].([]any)
	if !ok {
		return nil // no tools
	}

	var tools []runner.Tool
	for _, t := range toolsRaw {
		tool, ok := t.(map[string]any)
		if !ok {
			continue
		}
		name, _ := tool["name"].(string)
		desc, _ := tool["description"].(string)
		inputSchema, _ := json.Marshal(tool["inputSchema"])

		tools = append(tools, &mcpTool{
			name:        name,
			description: desc,
			inputSchema: inputSchema,
			plugin:      mp,
		})
	}

	if len(tools) > 0 {
		if _, err := pm.registry.RegisterPlugin(mp.config.Name, tools); err != nil {
			return fmt.Errorf("register plugin tools: %w", err)
		}
		pm.logger.Info("discovered plugin tools",
			slog.String("id", pluginID),
			slog.Int("count", len(tools)),
		)
	}

	return nil
}

// StopPlugin gracefully stops a plugin subprocess and unregisters its
// tool group.
func (pm *PluginManager) StopPlugin(ctx context.Context, id string) error {
	pm.mu.Lock()
	mp, ok := pm.plugins[id]
	if !ok {
		pm.mu.Unlock()
		return fmt.Errorf("plugin %q not found", id)
	}
	delete(pm.plugins, id)
	pm.mu.Unlock()

	removed := pm.registry.UnregisterPlugin(mp.config.Name)
	mp.cancelFunc()

	if mp.cmd.Process != nil {
		// Close stdin to signal shutdown.
		_ = mp.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- mp.cmd.Wait() }()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = mp.cmd.Process.Kill()
			<-done
		}
	}

	mp.status = "stopped"
	_ = pm.store.UpdatePlugin(ctx, id, "inactive", "")

	pm.logger.Info("plugin stopped", slog.String("id", id), slog.Int("tools_removed", removed))
	return nil
}

// StopAll stops all managed plugins.
func (pm *PluginManager) StopAll(ctx context.Context) error {
	pm.mu.RLock()
	ids := make([]string, 0, len(pm.plugins))
	for id := range pm.plugins {
		ids = append(ids, id)
	}
	pm.mu.RUnlock()

	var lastErr error
	for _, id := range ids {
		if err := pm.StopPlugin(ctx, id); err != nil {
			lastErr = err
			pm.logger.Error("failed to stop plugin",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return lastErr
}

// Status returns the current status of all managed plugins.
func (pm *PluginManager) Status() map[string]string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	result := make(map[string]string, len(pm.plugins))
	for id, mp := range pm.plugins {
		result[id] = mp.status
	}
	return result
}

// mcpTool wraps a discovered MCP tool as a runner tool. MCP tools act on
// the outside world, so they require the standard capability.
type mcpTool struct {
	name        string
	description string
	inputSchema json.RawMessage
	plugin      *managedPlugin
}

func (t *mcpTool) Name() string { return t.name }

func (t *mcpTool) Schema() runner.ToolSchema {
	return runner.ToolSchema{
		InputSchema: t.inputSchema,
		Description: t.description,
	}
}

func (t *mcpTool) MinCapability() schema.Capability { return schema.CapabilityStandard }

func (t *mcpTool) Validate(_ map[string]any) error { return nil }

func (t *mcpTool) Execute(ctx context.Context, input runner.ToolInput) (*runner.ToolOutput, error) {
	resp, err := t.plugin.roundTrip(map[string]any{
		"jsonrpc": "2.0",
		"id":      time.Now().UnixNano(),
		"method":  "tools/call",
		"params": map[string]any{
			"name":      t.name,
			"arguments": input.Args,
		},
	}, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("tools/call: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if errField, exists := resp["error"]; exists {
		errJSON, _ := json.Marshal(errField)
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "plugin tool error: %s", string(errJSON))
	}

	resultJSON, _ := json.Marshal(resp["result"])
	return &runner.ToolOutput{Data: resultJSON}, nil
}
