package conversation

import (
	"context"
	"testing"

	"github.com/agentfoundry/proactor/internal/bus"
	"github.com/agentfoundry/proactor/internal/graph"
	"github.com/agentfoundry/proactor/pkg/protocol"
)

func TestRecordUsageAccumulatesOnChat(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	if _, err := graph.CreateChat(ctx, store, "chat:u", "user:alice", "usage"); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	unsub := RecordUsage(b, store)
	defer unsub()

	dispatch := func(in, out, total int) {
		b.Dispatch(ctx, protocol.EventTokenUsage, protocol.BusEvent{
			Scope: protocol.EventScope{ChatID: "chat:u"},
			Data:  protocol.TokenUsageData{Input: in, Output: out, Total: total},
		})
	}
	dispatch(100, 20, 120)
	dispatch(50, 10, 60)

	in, out, total, err := ChatUsage(ctx, store, "chat:u")
	if err != nil {
		t.Fatal(err)
	}
	if in != 150 || out != 30 || total != 180 {
		t.Fatalf("got usage %d/%d/%d, want 150/30/180", in, out, total)
	}
}

func TestRecordUsageIgnoresScopelessEvents(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	if _, err := graph.CreateChat(ctx, store, "chat:u", "user:alice", "usage"); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	defer RecordUsage(b, store)()

	b.Dispatch(ctx, protocol.EventTokenUsage, protocol.BusEvent{
		Data: protocol.TokenUsageData{Input: 100, Output: 20, Total: 120},
	})
	b.Dispatch(ctx, protocol.EventTokenUsage, "not a bus event")

	in, out, total, err := ChatUsage(ctx, store, "chat:u")
	if err != nil {
		t.Fatal(err)
	}
	if in != 0 || out != 0 || total != 0 {
		t.Fatalf("got usage %d/%d/%d, want zeros", in, out, total)
	}
}
