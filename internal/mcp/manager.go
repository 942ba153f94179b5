package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrUnknownTool marks an invocation of a tool no connected server
// provides, or a name without the <server>__<tool> shape.
var ErrUnknownTool = errors.New("unknown tool")

// Manager connects the configured tool servers and exposes their tools
// under "<server>__<tool>" names.
type Manager struct {
	cfg    config.MCPConfig
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	schemas map[string]*jsonschema.Schema // namespaced name → compiled input schema
}

// NewManager creates a manager; no servers are started until ConnectAll.
func NewManager(cfg config.MCPConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// ConnectAll starts every configured server. A server that fails to
// connect is logged and skipped; the rest still come up.
func (m *Manager) ConnectAll(ctx context.Context) {
	for name, serverCfg := range m.cfg.Servers {
		client := NewClient(name, serverCfg, m.logger)
		if err := client.Connect(ctx); err != nil {
			m.logger.Error("tool server connect failed", "server", name, "error", err)
			continue
		}

		m.mu.Lock()
		m.clients[name] = client
		for _, tool := range client.Tools() {
			m.compileSchema(name+"__"+tool.Name, tool.InputSchema)
		}
		m.mu.Unlock()
	}
}

// DisconnectAll closes every transport. Per-server errors are logged.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("tool server close failed", "server", name, "error", err)
		}
		delete(m.clients, name)
	}
}

// compileSchema caches the compiled input schema for one tool. Holding
// m.mu is the caller's responsibility.
func (m *Manager) compileSchema(namespaced string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	compiled, err := jsonschema.CompileString(namespaced+".schema.json", string(raw))
	if err != nil {
		m.logger.Warn("tool schema does not compile, skipping validation",
			"tool", namespaced, "error", err)
		return
	}
	m.schemas[namespaced] = compiled
}

// GetAllTools returns the union of every connected server's tools as LLM
// tool definitions, namespaced and sorted by name.
func (m *Manager) GetAllTools() []models.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var defs []models.ToolDefinition
	for server, client := range m.clients {
		for _, tool := range client.Tools() {
			def := models.ToolDefinition{
				Name:        server + "__" + tool.Name,
				Description: tool.Description,
			}
			if len(tool.InputSchema) > 0 {
				var schema map[string]any
				if err := json.Unmarshal(tool.InputSchema, &schema); err == nil {
					def.InputSchema = schema
				}
			}
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// InvokeTool calls the tool behind a namespaced name and returns its text
// content parts joined with newlines.
func (m *Manager) InvokeTool(ctx context.Context, namespaced string, args map[string]any) (string, error) {
	server, tool, ok := strings.Cut(namespaced, "__")
	if !ok || server == "" || tool == "" {
		return "", fmt.Errorf("%w: malformed name %q", ErrUnknownTool, namespaced)
	}

	m.mu.RLock()
	client, exists := m.clients[server]
	schema := m.schemas[namespaced]
	m.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("%w: no server %q", ErrUnknownTool, server)
	}

	if schema != nil {
		if err := validateArgs(schema, args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", namespaced, err)
		}
	}

	result, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, item := range result.Content {
		if item.Type == "text" {
			parts = append(parts, item.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("tool %s reported failure: %s", namespaced, text)
	}
	return text, nil
}

// Status reports per-server connection state for the status endpoint.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.cfg.Servers))
	for name := range m.cfg.Servers {
		client, ok := m.clients[name]
		status[name] = ok && client.Connected()
	}
	return status
}

// validateArgs checks args against the compiled schema. The round-trip
// through encoding/json normalizes Go values into schema-checkable form.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}
