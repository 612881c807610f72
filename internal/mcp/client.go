package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/ZinkoSoft/tars-go/internal/buildinfo"
)

// protocolVersion is the MCP revision this client speaks.
const protocolVersion = "2024-11-05"

// ToolDefinition describes one tool a server advertises via tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Client drives the MCP session with a single server: the initialize
// handshake, tool discovery, and tool invocation. Methods are safe for
// concurrent use; wire ordering is the transport's concern.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger

	lastID atomic.Int64
	ready  atomic.Bool
	tools  atomic.Pointer[[]ToolDefinition]
}

// NewClient wraps transport as a session with the named server. A nil
// logger falls back to slog.Default.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// initPayload is the result of the initialize request.
type initPayload struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// Initialize runs the MCP handshake and marks the session ready. The
// handshake completes with the notifications/initialized message; a
// server speaking a different protocol revision is logged but accepted.
func (c *Client) Initialize(ctx context.Context) error {
	resp, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "tars",
			"version": buildinfo.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var init initPayload
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		return fmt.Errorf("initialize: decode result: %w", err)
	}
	if init.ProtocolVersion != "" && init.ProtocolVersion != protocolVersion {
		c.logger.Warn("server speaks a different MCP revision",
			"ours", protocolVersion, "theirs", init.ProtocolVersion)
	}

	if err := c.transport.Notify(ctx, newNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	c.ready.Store(true)
	c.logger.Info("MCP session established",
		"server_name", init.ServerInfo.Name,
		"server_version", init.ServerInfo.Version,
	)
	return nil
}

// ListTools returns the server's tool catalog, fetching it once and
// serving later calls from the cached copy.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if cached := c.tools.Load(); cached != nil {
		return *cached, nil
	}
	if !c.ready.Load() {
		return nil, errors.New("tools/list: session not initialized")
	}

	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var list struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		return nil, fmt.Errorf("tools/list: decode result: %w", err)
	}

	c.tools.Store(&list.Tools)
	c.logger.Info("tool catalog loaded", "count", len(list.Tools))
	return list.Tools, nil
}

// CallTool invokes an MCP tool and flattens the returned content into
// one string. Text blocks join with newlines; anything else collapses
// to a bracketed marker such as "[image]".
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if !c.ready.Load() {
		return "", fmt.Errorf("tools/call %s: session not initialized", name)
	}

	resp, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var out struct {
		Content []contentBlock `json:"content"`
		IsError bool           `json:"isError,omitempty"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return "", fmt.Errorf("tools/call %s: decode result: %w", name, err)
	}

	text := flattenContent(out.Content)
	if out.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

// Ping probes server liveness. A method-not-found error still proves
// the server is answering, so it counts as alive; servers predating the
// ping method are common.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) && rpcErr.Code == codeMethodNotFound {
		return nil
	}
	return err
}

// Close tears down the session transport.
func (c *Client) Close() error {
	c.ready.Store(false)
	c.logger.Debug("closing MCP session")
	return c.transport.Close()
}

// call sends one request and lifts protocol errors into Go errors.
func (c *Client) call(ctx context.Context, method string, params any) (*response, error) {
	resp, err := c.transport.Send(ctx, newRequest(c.lastID.Add(1), method, params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// contentBlock is one item of a tools/call result.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// flattenContent renders content blocks as a single string for the
// model.
func flattenContent(blocks []contentBlock) string {
	var b strings.Builder
	for i, blk := range blocks {
		if i > 0 {
			b.WriteByte('\n')
		}
		if blk.Type == "text" {
			b.WriteString(blk.Text)
			continue
		}
		b.WriteByte('[')
		b.WriteString(blk.Type)
		b.WriteByte(']')
	}
	return b.String()
}
