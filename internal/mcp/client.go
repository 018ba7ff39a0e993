// Package mcp connects the runtime to its fleet of external tool servers.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/agentfoundry/proactor/internal/config"
)

const (
	maxCallAttempts = 3
	backoffUnit     = 500 * time.Millisecond
)

// Client wraps one tool-server connection. Capability caches are loaded at
// Start and refreshed on Restart; each Call opens a fresh logical session
// over the persistent transport so partial failures stay isolated.
type Client struct {
	name string
	cfg  *config.ToolServerConfig

	callTimeout time.Duration

	// invoke performs one call attempt; tests swap it out. Nil means callOnce.
	invoke  func(ctx context.Context, toolName string, args map[string]any) (any, error)
	backoff time.Duration

	mu        sync.RWMutex
	mc        *mcpclient.Client
	tools     []mcpgo.Tool
	prompts   []mcpgo.Prompt
	resources []mcpgo.Resource
	lastErr   string
}

// NewClient builds a client from its fleet entry. callTimeout bounds a single
// tool invocation attempt.
func NewClient(name string, cfg *config.ToolServerConfig, callTimeout time.Duration) *Client {
	if cfg.TimeoutSec > 0 {
		callTimeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Client{name: name, cfg: cfg, callTimeout: callTimeout}
}

func (c *Client) Name() string { return c.name }

// LastError returns the most recent lifecycle failure, empty when healthy.
func (c *Client) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Start establishes the transport, runs the initialize handshake, and loads
// the three capability caches concurrently. A failed handshake or listing is
// recorded as lastErr and leaves the corresponding cache empty; Start never
// takes the process down.
func (c *Client) Start(ctx context.Context) error {
	mc, err := c.connect(ctx)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.tools = []mcpgo.Tool{}
		c.prompts = []mcpgo.Prompt{}
		c.resources = []mcpgo.Resource{}
		c.mu.Unlock()
		return err
	}

	var (
		tools     = []mcpgo.Tool{}
		prompts   = []mcpgo.Prompt{}
		resources = []mcpgo.Resource{}
		loadErrs  []string
		errMu     sync.Mutex
	)
	record := func(what string, err error) {
		errMu.Lock()
		loadErrs = append(loadErrs, fmt.Sprintf("%s: %v", what, err))
		errMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := mc.ListTools(gctx, mcpgo.ListToolsRequest{})
		if err != nil {
			record("list tools", err)
			return nil
		}
		tools = res.Tools
		return nil
	})
	g.Go(func() error {
		res, err := mc.ListPrompts(gctx, mcpgo.ListPromptsRequest{})
		if err != nil {
			record("list prompts", err)
			return nil
		}
		prompts = res.Prompts
		return nil
	})
	g.Go(func() error {
		res, err := mc.ListResources(gctx, mcpgo.ListResourcesRequest{})
		if err != nil {
			record("list resources", err)
			return nil
		}
		resources = res.Resources
		return nil
	})
	_ = g.Wait()

	c.mu.Lock()
	c.mc = mc
	c.tools = tools
	c.prompts = prompts
	c.resources = resources
	c.lastErr = strings.Join(loadErrs, "; ")
	c.mu.Unlock()

	slog.Info("mcp.server.connected",
		"server", c.name,
		"tools", len(tools),
		"prompts", len(prompts),
		"resources", len(resources),
	)
	return nil
}

func (c *Client) connect(ctx context.Context) (*mcpclient.Client, error) {
	mc, err := createClient(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	// SSE and streamable-http need an explicit transport start; stdio
	// auto-starts with the spawned process.
	if !c.cfg.IsStdio() {
		if err := mc.Start(ctx); err != nil {
			_ = mc.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "proactor",
		Version: "1.0.0",
	}
	if _, err := mc.Initialize(ctx, initReq); err != nil {
		_ = mc.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return mc, nil
}

// createClient creates the transport-appropriate mcp-go client.
func createClient(cfg *config.ToolServerConfig) (*mcpclient.Client, error) {
	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.BearerToken != "" {
		headers["Authorization"] = "Bearer " + cfg.BearerToken
	}

	switch {
	case cfg.IsStdio():
		return mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)

	case cfg.Type == "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	case cfg.URL != "":
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("server %q has neither command nor url", cfg.Description)
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Stop releases the transport and clears the caches.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mc != nil {
		_ = c.mc.Close()
		c.mc = nil
	}
	c.tools = nil
	c.prompts = nil
	c.resources = nil
}

// Restart is stop-then-start.
func (c *Client) Restart(ctx context.Context) error {
	c.Stop()
	return c.Start(ctx)
}

// Tools returns the capability cache snapshot.
func (c *Client) Tools() []mcpgo.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcpgo.Tool(nil), c.tools...)
}

func (c *Client) Prompts() []mcpgo.Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcpgo.Prompt(nil), c.prompts...)
}

func (c *Client) Resources() []mcpgo.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcpgo.Resource(nil), c.resources...)
}

// HasTool reports whether the cache lists a tool of that name.
func (c *Client) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Call invokes a remote tool. JSON-shaped results are parsed, text comes
// back verbatim, an empty body is "". Transport timeouts are retried up to
// maxCallAttempts with linear backoff; once retries are exhausted the error
// is folded into an {"error": ...} payload for the model rather than raised.
func (c *Client) Call(ctx context.Context, toolName string, args map[string]any) any {
	call := c.invoke
	if call == nil {
		call = c.callOnce
	}
	unit := c.backoff
	if unit <= 0 {
		unit = backoffUnit
	}

	var lastErr error
	for attempt := 1; attempt <= maxCallAttempts; attempt++ {
		result, err := call(ctx, toolName, args)
		if err == nil {
			return result
		}
		lastErr = err
		if !isTimeout(err) {
			break
		}
		slog.Warn("mcp.tool.retry",
			"server", c.name, "tool", toolName,
			"attempt", attempt, "error", err,
		)
		if attempt < maxCallAttempts {
			select {
			case <-ctx.Done():
				return errPayload(ctx.Err())
			case <-time.After(unit * time.Duration(attempt)):
			}
		}
	}
	slog.Error("mcp.tool.call_failed", "server", c.name, "tool", toolName, "error", lastErr)
	return errPayload(lastErr)
}

func (c *Client) callOnce(ctx context.Context, toolName string, args map[string]any) (any, error) {
	c.mu.RLock()
	mc := c.mc
	c.mu.RUnlock()
	if mc == nil {
		return nil, errors.New("client not started")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	res, err := mc.CallTool(callCtx, req)
	if err != nil {
		return nil, err
	}

	text := contentText(res.Content)
	if res.IsError {
		return map[string]any{"error": text}, nil
	}
	return parseResultBody(text), nil
}

// GetPrompt renders a named prompt and returns the first message's text.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	c.mu.RLock()
	mc := c.mc
	c.mu.RUnlock()
	if mc == nil {
		return "", errors.New("client not started")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req := mcpgo.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := mc.GetPrompt(callCtx, req)
	if err != nil {
		return "", fmt.Errorf("get prompt %q: %w", name, err)
	}
	for _, msg := range res.Messages {
		if tc, ok := msg.Content.(mcpgo.TextContent); ok {
			return tc.Text, nil
		}
	}
	return "", nil
}

// ReadResource returns the resource body, text segments concatenated.
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	c.mu.RLock()
	mc := c.mc
	c.mu.RUnlock()
	if mc == nil {
		return "", errors.New("client not started")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req := mcpgo.ReadResourceRequest{}
	req.Params.URI = uri

	res, err := mc.ReadResource(callCtx, req)
	if err != nil {
		return "", fmt.Errorf("read resource %q: %w", uri, err)
	}
	var parts []string
	for _, content := range res.Contents {
		if tc, ok := content.(mcpgo.TextResourceContents); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func contentText(contents []mcpgo.Content) string {
	var parts []string
	for _, content := range contents {
		if tc, ok := content.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// parseResultBody decodes JSON-shaped bodies and passes text through.
func parseResultBody(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return text
}

func errPayload(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

// isTimeout classifies the retryable transport failures.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
