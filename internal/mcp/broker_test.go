package mcp

import (
	"context"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentfoundry/proactor/internal/config"
)

func testBroker() *Broker {
	return NewBroker(config.BrokerConfig{BaseTTLMinutes: 10})
}

// register installs a client with a canned tool cache, sidestepping any real
// transport.
func (b *Broker) register(name string, tools ...string) *Client {
	c := &Client{name: name, callTimeout: time.Second}
	for _, tn := range tools {
		c.tools = append(c.tools, mcpgo.Tool{Name: tn})
	}
	b.lock()
	b.order = append(b.order, name)
	b.entries[name] = &entry{client: c, loadedAt: time.Now(), ttl: b.ttlFor(name, 0)}
	b.unlock()
	return c
}

func TestTTLStaggering(t *testing.T) {
	b := testBroker()

	// Deterministic per name.
	if b.ttlFor("alpha", 0) != b.ttlFor("alpha", 0) {
		t.Error("ttl not deterministic")
	}

	// Bounded.
	names := []string{"alpha", "beta", "gamma", "search", "files", "vcs"}
	distinct := map[time.Duration]bool{}
	for _, name := range names {
		for reloads := 0; reloads < 8; reloads++ {
			ttl := b.ttlFor(name, reloads)
			if ttl < minTTL || ttl > maxTTL {
				t.Errorf("ttl %v out of range for %s/%d", ttl, name, reloads)
			}
			distinct[ttl] = true
		}
	}
	// A fleet of six names across several reload counts must not collapse
	// onto one reload instant.
	if len(distinct) < 3 {
		t.Errorf("ttl distribution too narrow: %v", distinct)
	}

	// Reload drift changes the ttl within a name.
	if b.ttlFor("alpha", 0) == b.ttlFor("alpha", 1) {
		t.Error("reload count has no effect")
	}
}

func TestFindInsertionOrder(t *testing.T) {
	b := testBroker()
	first := b.register("first", "shared", "only_first")
	b.register("second", "shared", "only_second")

	if got := b.Find(context.Background(), "shared"); got != first {
		t.Errorf("Find(shared) = %v, want first client", got.Name())
	}
	if got := b.Find(context.Background(), "only_second"); got == nil || got.Name() != "second" {
		t.Error("Find(only_second) did not reach second client")
	}
	if got := b.Find(context.Background(), "nope"); got != nil {
		t.Errorf("Find(nope) = %v, want nil", got.Name())
	}
}

func TestAggregateToolsPreservesOrigin(t *testing.T) {
	b := testBroker()
	b.register("a", "t1", "t2")
	b.register("b") // empty cache contributes nothing
	b.register("c", "t3")

	tools := b.AggregateTools(context.Background())
	if len(tools) != 3 {
		t.Fatalf("len = %d", len(tools))
	}
	if tools[0].Server != "a" || tools[2].Server != "c" {
		t.Errorf("origins = %v %v %v", tools[0].Server, tools[1].Server, tools[2].Server)
	}
	if tools[2].Tool.Name != "t3" {
		t.Errorf("tool = %v", tools[2].Tool.Name)
	}
}

func TestCallUnknownToolReturnsErrorPayload(t *testing.T) {
	b := testBroker()
	b.register("a", "t1")

	got := b.Call(context.Background(), "missing", nil)
	m, ok := got.(map[string]any)
	if !ok || m["error"] == nil {
		t.Errorf("got %v, want error payload", got)
	}
}

func TestForceReloadUnknownServer(t *testing.T) {
	b := testBroker()
	if err := b.ForceReload(context.Background(), "ghost"); err == nil {
		t.Error("unknown server accepted")
	}
}

func TestRefreshSkippedWhileReloading(t *testing.T) {
	b := testBroker()
	b.register("a", "t1")

	b.lock()
	b.reloading = true
	b.unlock()

	// Must return promptly with the current view even though entry TTLs may
	// have lapsed.
	b.lock()
	b.entries["a"].loadedAt = time.Now().Add(-24 * time.Hour)
	b.unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tools := b.AggregateTools(context.Background())
		if len(tools) != 1 {
			t.Errorf("stale view lost: %v", tools)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("caller blocked during reload")
	}
}
