// Package mcp bridges tools exposed by MCP (Model Context Protocol) servers
// into the toolkit graph. Each discovered tool becomes a toolkit tool whose
// invoker forwards calls to the originating server.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/chorus/internal/config"
	"github.com/jkaninda/chorus/internal/toolkit"
	"github.com/jkaninda/chorus/internal/tools"
)

const defaultAttachScore = 0.8

// Tool wraps a tool discovered from an MCP server.
type Tool struct {
	namespacedName string // "mcp__<server>__<tool>"
	description    string
	inputSchema    map[string]any
	client         mcpclient.MCPClient
	originalName   string
	serverName     string
	logger         *slog.Logger
}

func (t *Tool) Name() string                { return t.namespacedName }
func (t *Tool) Description() string         { return t.description }
func (t *Tool) InputSchema() map[string]any { return t.inputSchema }

func (t *Tool) Validate(params map[string]any) error {
	required, _ := t.inputSchema["required"].([]any)
	for _, r := range required {
		key, ok := r.(string)
		if !ok {
			continue
		}
		if _, exists := params[key]; !exists {
			return fmt.Errorf("missing required parameter: %s", key)
		}
	}
	return nil
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	t.logger.DebugContext(ctx, "mcp tool executing",
		slog.String("server", t.serverName),
		slog.String("tool", t.originalName),
	)

	req := mcp.CallToolRequest{}
	req.Params.Name = t.originalName
	req.Params.Arguments = params

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call to %s/%s failed: %w", t.serverName, t.originalName, err)
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(formatContent(res.Content), tools.MaxOutputBytes),
		Success: !res.IsError,
		Metadata: map[string]any{
			"mcp_server":    t.serverName,
			"mcp_tool":      t.originalName,
			"content_items": len(res.Content),
		},
	}, nil
}

// formatContent joins text items and JSON-encodes everything else.
func formatContent(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
			continue
		}
		data, _ := json.Marshal(c)
		parts = append(parts, string(data))
	}
	return strings.Join(parts, "\n")
}

// Bridge owns MCP client connections.
type Bridge struct {
	mu      sync.Mutex
	clients []mcpclient.MCPClient
	logger  *slog.Logger
}

// NewBridge creates a bridge.
func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{logger: logger}
}

// ConnectAndDiscover connects to one server, performs the handshake and
// returns its tools.
func (b *Bridge) ConnectAndDiscover(ctx context.Context, cfg config.MCPServerConfig) ([]*Tool, error) {
	c, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}
	// stdio clients are started by their constructor.
	return b.Discover(ctx, cfg.Name, c, cfg.Transport != "stdio")
}

// Discover initializes an existing client and lists its tools.
func (b *Bridge) Discover(ctx context.Context, server string, c *mcpclient.Client, start bool) ([]*Tool, error) {
	if start {
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("MCP start for %q: %w", server, err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "chorus", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("MCP initialize for %q: %w", server, err)
	}

	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list tools for %q: %w", server, err)
	}

	out := make([]*Tool, 0, len(list.Tools))
	for _, t := range list.Tools {
		out = append(out, &Tool{
			namespacedName: fmt.Sprintf("mcp__%s__%s", server, t.Name),
			description:    fmt.Sprintf("[MCP:%s] %s", server, t.Description),
			inputSchema:    convertInputSchema(t.InputSchema),
			client:         c,
			originalName:   t.Name,
			serverName:     server,
			logger:         b.logger,
		})
	}

	b.logger.Info("MCP server connected",
		slog.String("server", server),
		slog.Int("tools_discovered", len(out)),
	)
	return out, nil
}

// Attach adds every tool to g, linked to each of the given actions.
// A non-positive score uses the default attach score.
func Attach(g *toolkit.Graph, discovered []*Tool, actions []string, score float64) error {
	if score <= 0 {
		score = defaultAttachScore
	}
	links := make([]toolkit.Link, 0, len(actions))
	for _, a := range actions {
		links = append(links, toolkit.Link{ID: a, Score: score})
	}
	for _, t := range discovered {
		if err := g.AddTool(tools.AsToolkit(t), links); err != nil {
			return fmt.Errorf("attaching %s: %w", t.Name(), err)
		}
	}
	return nil
}

// Close shuts down all client connections.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		if err := c.Close(); err != nil {
			b.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
	b.clients = nil
}

func createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, expandEnvList(cfg.Env), cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvMap(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvMap(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	result := map[string]any{"type": schema.Type}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		req := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			req[i] = r
		}
		result["required"] = req
	}
	return result
}

func expandEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

func expandEnvMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
