package tools

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jfletcher/palaver/llm"
	"github.com/jfletcher/palaver/mcp"
)

const (
	// discoveryTimeout bounds tool discovery per server so one slow server
	// cannot stall a generation turn.
	discoveryTimeout = 10 * time.Second
	// executionTimeout bounds a single tool execution.
	executionTimeout = 30 * time.Second
)

// Executor resolves and executes tool calls against local tools and remote
// MCP servers. Remote routes discovered during BuildTools are remembered so
// Execute can dispatch without re-listing.
type Executor struct {
	local   *Registry
	manager *mcp.Manager
	logger  *slog.Logger

	mu     sync.Mutex
	routes map[string]string // remote tool name -> server ID
}

func NewExecutor(local *Registry, manager *mcp.Manager, logger *slog.Logger) *Executor {
	if local == nil {
		local = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		local:   local,
		manager: manager,
		logger:  logger,
		routes:  make(map[string]string),
	}
}

// BuildTools assembles the tool specs for one generation turn: local tools
// first, then tools discovered from the given servers in parallel. Each
// server gets its own discovery timeout; failures are logged and the server
// is skipped. Duplicate names keep the first occurrence, so local tools win
// over remote ones.
func (e *Executor) BuildTools(ctx context.Context, servers []mcp.ServerConfig) []llm.ToolSpec {
	specs := e.local.Specs()
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		seen[spec.Name] = true
	}

	if e.manager == nil || len(servers) == 0 {
		return specs
	}

	type discovery struct {
		server string
		tools  []mcp.ToolSpec
		err    error
	}

	results := make(chan discovery, len(servers))
	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func(server mcp.ServerConfig) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
			defer cancel()
			tools, err := e.manager.DiscoverTools(dctx, server)
			results <- discovery{server: server.ID, tools: tools, err: err}
		}(server)
	}
	wg.Wait()
	close(results)

	// Collect in the order servers were given so output is deterministic.
	byServer := make(map[string]discovery, len(servers))
	for d := range results {
		byServer[d.server] = d
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, server := range servers {
		d := byServer[server.ID]
		if d.err != nil {
			e.logger.Warn("tool discovery failed", "server", server.ID, "error", d.err)
			continue
		}
		for _, tool := range d.tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			e.routes[tool.Name] = server.ID
			specs = append(specs, llm.ToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Schema:      tool.Schema,
			})
		}
	}
	return specs
}

// Execute runs one tool call and always produces exactly one result. Failures
// of any kind come back as an error-flagged result, never as a Go error, so
// the conversation can continue.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, executionTimeout)
	defer cancel()

	if serverID, ok := e.resolveRemote(call.Name); ok {
		result, err := e.manager.CallTool(ctx, serverID, call.Name, call.Arguments)
		if err != nil {
			return llm.ToolResult{ID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
		}
		return llm.ToolResult{ID: call.ID, Name: call.Name, Content: result.Content, IsError: result.IsError}
	}

	if tool, ok := e.resolveLocal(call.Name); ok {
		content, err := tool.Execute(ctx, call.Arguments)
		if err != nil {
			return llm.ToolResult{ID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
		}
		return llm.ToolResult{ID: call.ID, Name: call.Name, Content: content, IsError: false}
	}

	return llm.ToolResult{
		ID:      call.ID,
		Name:    call.Name,
		Content: "Tool not found: " + call.Name,
		IsError: true,
	}
}

// resolveRemote finds the serving MCP server for a tool name, trying the
// exact name first and then the normalized form. Models occasionally mangle
// tool names (case changes, spaces for underscores); normalization recovers
// most of those. Exact matches always win.
func (e *Executor) resolveRemote(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if server, ok := e.routes[name]; ok {
		return server, true
	}
	want := normalizeToolName(name)
	for routed, server := range e.routes {
		if normalizeToolName(routed) == want {
			return server, true
		}
	}
	return "", false
}

func (e *Executor) resolveLocal(name string) (Tool, bool) {
	if tool, ok := e.local.Get(name); ok {
		return tool, true
	}
	want := normalizeToolName(name)
	for _, candidate := range e.local.Names() {
		if normalizeToolName(candidate) == want {
			return e.local.Get(candidate)
		}
	}
	return nil, false
}

func normalizeToolName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}
