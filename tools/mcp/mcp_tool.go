// Package mcp exposes tools served by external Model Context Protocol
// servers through the local tools.Tool interface.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/m4xw311/loopy/config"
	"github.com/m4xw311/loopy/errors"
	"github.com/m4xw311/loopy/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name   string
	conn   *mcpsdk.ClientSession
	tools  []*MCPTool
	logger *slog.Logger
}

// NewMCPClient starts the MCP server subprocess and discovers its tools.
func NewMCPClient(ctx context.Context, server config.MCPServer, clientVersion string, logger *slog.Logger) (*MCPClient, error) {
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Stderr = os.Stderr

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "loopy", Version: clientVersion}, nil)
	conn, err := client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", server.Name)
	}

	c := &MCPClient{Name: server.Name, conn: conn, logger: logger}
	for t, err := range conn.Tools(ctx, nil) {
		if err != nil {
			_ = conn.Close()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", server.Name)
		}
		c.tools = append(c.tools, newMCPTool(c, t))
	}

	logger.Info("initialized MCP client", "server", server.Name, "tools", len(c.tools))
	return c, nil
}

// Tools returns the server's tools.
func (c *MCPClient) Tools() []tools.Tool {
	out := make([]tools.Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	return out
}

// Stop closes the session, which terminates the subprocess.
func (c *MCPClient) Stop() error {
	if c.conn == nil {
		return nil
	}
	c.logger.Info("terminating MCP server", "server", c.Name)
	return c.conn.Close()
}

// ConnectAll starts every configured server. Servers that fail to start are
// logged and skipped.
func ConnectAll(ctx context.Context, servers []config.MCPServer, clientVersion string, logger *slog.Logger) []*MCPClient {
	var clients []*MCPClient
	for _, s := range servers {
		c, err := NewMCPClient(ctx, s, clientVersion, logger)
		if err != nil {
			logger.Warn("MCP server unavailable", "server", s.Name, "err", err)
			continue
		}
		clients = append(clients, c)
	}
	return clients
}

// MCPTool represents a tool available from an external MCP server.
type MCPTool struct {
	caller      toolCaller
	toolName    string
	description string
	schema      map[string]any
	schemaJSON  string
}

type toolCaller interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}

func newMCPTool(c *MCPClient, t *mcpsdk.Tool) *MCPTool {
	tool := &MCPTool{
		caller:      c.conn,
		toolName:    t.Name,
		description: t.Description,
		schema:      map[string]any{"type": "object", "properties": map[string]any{}},
	}
	if t.InputSchema != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			var m map[string]any
			if json.Unmarshal(raw, &m) == nil && m != nil {
				tool.schema = m
				tool.schemaJSON = string(raw)
			}
		}
	}
	return tool
}

// Name returns the server's tool name unchanged. Providers reject ':' in
// function names, so no server prefix is added.
func (t *MCPTool) Name() string { return t.toolName }

func (t *MCPTool) Description() string { return t.description }

func (t *MCPTool) Parameters() map[string]any { return t.schema }

func (t *MCPTool) Validate(args map[string]any) error {
	return tools.ValidateSchema(t.schemaJSON, args)
}

// Execute forwards the call to the MCP server. Protocol failures and tool
// errors reported by the server both become error results.
func (t *MCPTool) Execute(ctx context.Context, args map[string]any) tools.Result {
	result, err := t.caller.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return tools.Errorf("failed to call tool '%s': %v", t.Name(), err)
	}

	var text strings.Builder
	for _, c := range result.Content {
		switch c := c.(type) {
		case *mcpsdk.TextContent:
			text.WriteString(c.Text)
		default:
			fmt.Fprintf(&text, "[%T content omitted]", c)
		}
	}
	if result.IsError {
		return tools.Errorf("%s", text.String())
	}
	out := map[string]any{"content": text.String()}
	if result.StructuredContent != nil {
		out["structured"] = result.StructuredContent
	}
	return tools.Result{Output: out}
}
