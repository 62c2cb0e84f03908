package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/atelierbot/atelier/internal/llm"
	"github.com/atelierbot/atelier/internal/logger"
)

// ErrUnavailable means the tool subsystem itself is down or was never
// configured. Individual tool failures are ordinary errors and get
// folded into the conversation instead.
var ErrUnavailable = errors.New("tool subsystem unavailable")

// ServerConfig describes one stdio MCP server to launch.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Executor launches an MCP server as a subprocess and exposes its tools
// to the agent loop.
type Executor struct {
	cfg ServerConfig

	mu     sync.Mutex
	client *mcpclient.Client
	tools  []llm.Tool
}

func NewExecutor(cfg ServerConfig) *Executor {
	return &Executor{cfg: cfg}
}

// Connect starts the server process, runs the MCP handshake, and
// preloads the tool definitions.
func (e *Executor) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return nil
	}
	if e.cfg.Command == "" {
		return fmt.Errorf("%w: no server command configured", ErrUnavailable)
	}

	var env []string
	for k, v := range e.cfg.Env {
		env = append(env, k+"="+v)
	}

	c, err := mcpclient.NewStdioMCPClient(e.cfg.Command, env, e.cfg.Args...)
	if err != nil {
		return fmt.Errorf("start mcp server %s: %w", e.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "atelier",
		Version: "1.0.0",
	}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initialize mcp server %s: %w", e.cfg.Name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("list tools from %s: %w", e.cfg.Name, err)
	}

	e.tools = nil
	for _, t := range listed.Tools {
		params := map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
		if t.InputSchema.Type != "" {
			params["type"] = t.InputSchema.Type
		}
		if t.InputSchema.Properties != nil {
			params["properties"] = t.InputSchema.Properties
		}
		if len(t.InputSchema.Required) > 0 {
			params["required"] = t.InputSchema.Required
		}

		e.tools = append(e.tools, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}

	e.client = c
	logger.Info("mcp server connected", "name", e.cfg.Name, "tools", len(e.tools))
	return nil
}

// Tools returns the preloaded tool definitions, empty when disconnected.
func (e *Executor) Tools() []llm.Tool {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]llm.Tool, len(e.tools))
	copy(out, e.tools)
	return out
}

// Execute runs one tool call. Arguments arrive as the model's JSON
// text; a malformed payload is a per-call error, not a subsystem one.
func (e *Executor) Execute(ctx context.Context, name, arguments string) (string, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	if client == nil {
		return "", ErrUnavailable
	}

	args := map[string]any{}
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("bad tool arguments: %w", err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("tool %s: %s", name, text)
	}
	return text, nil
}

// Close shuts down the server process. Safe to call when never connected.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	e.tools = nil
	return err
}

func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
