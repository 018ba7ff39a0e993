package bus

import (
	"context"
	"errors"
	"testing"
)

func TestDispatchOrder(t *testing.T) {
	b := New()
	var order []string

	b.Subscribe("ev", "first", func(ctx context.Context, ev Event) (any, error) {
		order = append(order, "first")
		return 1, nil
	})
	b.Subscribe("ev", "second", func(ctx context.Context, ev Event) (any, error) {
		order = append(order, "second")
		return 2, nil
	})

	results := b.Dispatch(context.Background(), "ev", nil)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if order[0] != "first" || order[1] != "second" {
		t.Errorf("handlers ran out of order: %v", order)
	}
	if results[0] != 1 || results[1] != 2 {
		t.Errorf("results = %v", results)
	}
}

// A failing or panicking handler must not stop the rest of the chain.
func TestHandlerFailureIsolation(t *testing.T) {
	b := New()
	ran := false

	b.Subscribe("ev", "bad-error", func(ctx context.Context, ev Event) (any, error) {
		return nil, errors.New("boom")
	})
	b.Subscribe("ev", "bad-panic", func(ctx context.Context, ev Event) (any, error) {
		panic("kaboom")
	})
	b.Subscribe("ev", "good", func(ctx context.Context, ev Event) (any, error) {
		ran = true
		return "ok", nil
	})

	results := b.Dispatch(context.Background(), "ev", nil)
	if !ran {
		t.Fatal("handler after failures did not run")
	}
	if results[0] != nil || results[1] != nil {
		t.Errorf("failed handlers should yield nil results, got %v", results[:2])
	}
	if results[2] != "ok" {
		t.Errorf("results[2] = %v, want ok", results[2])
	}
}

func TestDuplicateSubscribeIsNoop(t *testing.T) {
	b := New()
	count := 0
	h := func(ctx context.Context, ev Event) (any, error) {
		count++
		return nil, nil
	}

	b.Subscribe("ev", "h", h)
	b.Subscribe("ev", "h", h)

	b.Dispatch(context.Background(), "ev", nil)
	if count != 1 {
		t.Errorf("handler ran %d times, want 1", count)
	}
	if got := b.SubscriberCount("ev"); got != 1 {
		t.Errorf("SubscriberCount = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	count := 0
	cancel := b.Subscribe("ev", "h", func(ctx context.Context, ev Event) (any, error) {
		count++
		return nil, nil
	})

	b.Dispatch(context.Background(), "ev", nil)
	cancel()
	b.Dispatch(context.Background(), "ev", nil)

	if count != 1 {
		t.Errorf("handler ran %d times after unsubscribe, want 1", count)
	}
}

func TestDispatchNoSubscribers(t *testing.T) {
	b := New()
	if res := b.Dispatch(context.Background(), "nothing", nil); res != nil {
		t.Errorf("expected nil results, got %v", res)
	}
}
