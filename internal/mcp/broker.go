package mcp

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentfoundry/proactor/internal/config"
)

const (
	minTTL = 5 * time.Minute
	maxTTL = 120 * time.Minute
)

// AggregatedTool pairs a tool descriptor with its server of origin.
type AggregatedTool struct {
	Server string
	Tool   mcpgo.Tool
}

// AggregatedPrompt pairs a prompt with its server of origin.
type AggregatedPrompt struct {
	Server string
	Prompt mcpgo.Prompt
}

// AggregatedResource pairs a resource with its server of origin.
type AggregatedResource struct {
	Server   string
	Resource mcpgo.Resource
}

type entry struct {
	client      *Client
	loadedAt    time.Time
	ttl         time.Duration
	reloadCount int
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.loadedAt) >= e.ttl
}

// Broker owns the tool-server fleet. Each server's capability caches carry a
// deterministically staggered TTL so the fleet never reloads in a convoy.
// All public operations check per-server expiry first; reloads happen under
// the broker lock while concurrent callers keep reading the current view.
type Broker struct {
	baseTTL     time.Duration
	callTimeout time.Duration
	sseTimeout  time.Duration

	mu             sync.Mutex
	order          []string
	entries        map[string]*entry
	resourceOrigin map[string]string
	reloading      bool
}

// NewBroker builds an empty broker. Timeouts come from BrokerConfig.
func NewBroker(cfg config.BrokerConfig) *Broker {
	b := &Broker{
		baseTTL:        time.Duration(cfg.BaseTTLMinutes) * time.Minute,
		callTimeout:    time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		sseTimeout:     time.Duration(cfg.SSECallTimeoutSeconds) * time.Second,
		entries:        map[string]*entry{},
		resourceOrigin: map[string]string{},
	}
	if b.baseTTL <= 0 {
		b.baseTTL = 10 * time.Minute
	}
	return b
}

func (b *Broker) lock()   { b.mu.Lock() }
func (b *Broker) unlock() { b.mu.Unlock() }

// StartFleet connects every enabled server from the fleet config. Individual
// failures are logged and leave the server registered with empty caches.
func (b *Broker) StartFleet(ctx context.Context, fleet map[string]*config.ToolServerConfig, names []string) {
	for _, name := range names {
		sc, ok := fleet[name]
		if !ok || !sc.IsEnabled() {
			continue
		}
		timeout := b.callTimeout
		if !sc.IsStdio() {
			timeout = b.sseTimeout
		}
		client := NewClient(name, sc, timeout)
		if err := client.Start(ctx); err != nil {
			slog.Warn("mcp.server.start_failed", "server", name, "error", err)
		}

		b.lock()
		if _, exists := b.entries[name]; !exists {
			b.order = append(b.order, name)
		}
		b.entries[name] = &entry{
			client:   client,
			loadedAt: time.Now(),
			ttl:      b.ttlFor(name, 0),
		}
		b.unlock()
	}
}

// StopAll releases every transport.
func (b *Broker) StopAll() {
	b.lock()
	defer b.unlock()
	for _, name := range b.order {
		b.entries[name].client.Stop()
	}
}

// ttlFor staggers reload times across the fleet: a per-server hash offset in
// [-20m, +20m) plus a drift that grows with each reload, clamped to
// [minTTL, maxTTL].
func (b *Broker) ttlFor(name string, reloadCount int) time.Duration {
	h := fnv.New32a()
	h.Write([]byte(name))
	offset := time.Duration(int(h.Sum32()%40)-20) * time.Minute
	drift := time.Duration((reloadCount*5)%30) * time.Minute

	ttl := b.baseTTL + offset + drift
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl
}

// refreshExpired reloads any server whose TTL has lapsed. When another
// caller already holds the lock the current view is served as-is; nobody
// waits on a reload in progress.
func (b *Broker) refreshExpired(ctx context.Context) {
	if !b.mu.TryLock() {
		return
	}
	if b.reloading {
		b.unlock()
		return
	}

	now := time.Now()
	var stale []string
	for _, name := range b.order {
		if b.entries[name].expired(now) {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		b.unlock()
		return
	}

	b.reloading = true
	b.unlock()
	defer func() {
		b.lock()
		b.reloading = false
		b.unlock()
	}()

	for _, name := range stale {
		b.reloadOne(ctx, name)
	}
}

func (b *Broker) reloadOne(ctx context.Context, name string) {
	b.lock()
	e, ok := b.entries[name]
	b.unlock()
	if !ok {
		return
	}

	slog.Info("mcp.server.reloading", "server", name, "reload_count", e.reloadCount+1)
	if err := e.client.Restart(ctx); err != nil {
		slog.Warn("mcp.server.reload_failed", "server", name, "error", err)
	}

	b.lock()
	e.loadedAt = time.Now()
	e.reloadCount++
	e.ttl = b.ttlFor(name, e.reloadCount)
	// Origin mappings may point at tools the reloaded server no longer has.
	for uri, origin := range b.resourceOrigin {
		if origin == name {
			delete(b.resourceOrigin, uri)
		}
	}
	b.unlock()
}

// ForceReload restarts one server immediately, resetting its TTL clock.
func (b *Broker) ForceReload(ctx context.Context, name string) error {
	b.lock()
	_, ok := b.entries[name]
	b.unlock()
	if !ok {
		return fmt.Errorf("unknown tool server %q", name)
	}
	b.reloadOne(ctx, name)
	return nil
}

// snapshot returns the clients in insertion order.
func (b *Broker) snapshot() []*Client {
	b.lock()
	defer b.unlock()
	out := make([]*Client, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.entries[name].client)
	}
	return out
}

// AggregateTools unions every server's tool cache. Empty caches contribute
// nothing and do not fail the aggregate.
func (b *Broker) AggregateTools(ctx context.Context) []AggregatedTool {
	b.refreshExpired(ctx)
	var out []AggregatedTool
	for _, c := range b.snapshot() {
		for _, t := range c.Tools() {
			out = append(out, AggregatedTool{Server: c.Name(), Tool: t})
		}
	}
	return out
}

func (b *Broker) AggregatePrompts(ctx context.Context) []AggregatedPrompt {
	b.refreshExpired(ctx)
	var out []AggregatedPrompt
	for _, c := range b.snapshot() {
		for _, p := range c.Prompts() {
			out = append(out, AggregatedPrompt{Server: c.Name(), Prompt: p})
		}
	}
	return out
}

func (b *Broker) AggregateResources(ctx context.Context) []AggregatedResource {
	b.refreshExpired(ctx)
	var out []AggregatedResource
	for _, c := range b.snapshot() {
		for _, r := range c.Resources() {
			out = append(out, AggregatedResource{Server: c.Name(), Resource: r})
		}
	}
	return out
}

// Find returns the first client, in insertion order, whose cache lists the
// tool. Nil when no server has it.
func (b *Broker) Find(ctx context.Context, toolName string) *Client {
	b.refreshExpired(ctx)
	for _, c := range b.snapshot() {
		if c.HasTool(toolName) {
			return c
		}
	}
	return nil
}

// Call dispatches a tool invocation to its owning server. An unknown tool
// comes back as an error payload the caller can hand to the model.
func (b *Broker) Call(ctx context.Context, toolName string, args map[string]any) any {
	c := b.Find(ctx, toolName)
	if c == nil {
		return map[string]any{"error": fmt.Sprintf("tool %q not found on any server", toolName)}
	}
	return c.Call(ctx, toolName, args)
}

// GetPrompt locates the server advertising the prompt and renders it there.
func (b *Broker) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	b.refreshExpired(ctx)
	for _, c := range b.snapshot() {
		for _, p := range c.Prompts() {
			if p.Name == name {
				return c.GetPrompt(ctx, name, args)
			}
		}
	}
	return "", fmt.Errorf("prompt %q not found on any server", name)
}

// ReadResource resolves a resource through the origin cache, falling back to
// trying every server in order. A successful read records the origin.
func (b *Broker) ReadResource(ctx context.Context, uri string) (string, error) {
	b.refreshExpired(ctx)

	b.lock()
	origin, cached := b.resourceOrigin[uri]
	b.unlock()

	if cached {
		b.lock()
		e, ok := b.entries[origin]
		b.unlock()
		if ok {
			if body, err := e.client.ReadResource(ctx, uri); err == nil {
				return body, nil
			}
		}
	}

	var lastErr error
	for _, c := range b.snapshot() {
		body, err := c.ReadResource(ctx, uri)
		if err != nil {
			lastErr = err
			continue
		}
		b.lock()
		b.resourceOrigin[uri] = c.Name()
		b.unlock()
		return body, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no tool servers configured")
	}
	return "", fmt.Errorf("resource %q: %w", uri, lastErr)
}

// ServerNames lists the fleet in insertion order.
func (b *Broker) ServerNames() []string {
	b.lock()
	defer b.unlock()
	return append([]string(nil), b.order...)
}

// ServerStatus reports liveness detail for the CLI surface.
type ServerStatus struct {
	Name        string
	Tools       int
	Prompts     int
	Resources   int
	LastError   string
	LoadedAt    time.Time
	TTL         time.Duration
	ReloadCount int
}

// Status snapshots every server's health.
func (b *Broker) Status() []ServerStatus {
	b.lock()
	defer b.unlock()
	out := make([]ServerStatus, 0, len(b.order))
	for _, name := range b.order {
		e := b.entries[name]
		out = append(out, ServerStatus{
			Name:        name,
			Tools:       len(e.client.Tools()),
			Prompts:     len(e.client.Prompts()),
			Resources:   len(e.client.Resources()),
			LastError:   e.client.LastError(),
			LoadedAt:    e.loadedAt,
			TTL:         e.ttl,
			ReloadCount: e.reloadCount,
		})
	}
	return out
}
