package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/agentfoundry/proactor/internal/bus"
	"github.com/agentfoundry/proactor/internal/config"
	"github.com/agentfoundry/proactor/internal/conversation"
	"github.com/agentfoundry/proactor/internal/graph"
	"github.com/agentfoundry/proactor/internal/taskqueue"
)

// fakeConversation records the calls the scheduler makes against it.
type fakeConversation struct {
	chatID    string
	started   int
	injected  []string
	sent      []string
	taskIDs   []string
	identity  string
	sendErr   error
	sendReply string
}

func (f *fakeConversation) StartChat(ctx context.Context, sessionID, userID, chatID, chatName, preloadedIdentity string) error {
	f.started++
	f.identity = preloadedIdentity
	return nil
}

func (f *fakeConversation) SendMessage(ctx context.Context, text, taskID string) (string, error) {
	f.sent = append(f.sent, text)
	f.taskIDs = append(f.taskIDs, taskID)
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if f.sendReply != "" {
		return f.sendReply, nil
	}
	return "done", nil
}

func (f *fakeConversation) InjectInternal(ctx context.Context, role, text string) error {
	f.injected = append(f.injected, role+": "+text)
	return nil
}

type schedFixture struct {
	sched *Scheduler
	queue *taskqueue.Queue
	store *graph.MemoryStore
	convs []*fakeConversation
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	store := graph.NewMemoryStore()
	b := bus.New()
	queue := taskqueue.New(store, b)

	f := &schedFixture{queue: queue, store: store}
	factory := func(chatID string) Conversation {
		c := &fakeConversation{chatID: chatID}
		f.convs = append(f.convs, c)
		return c
	}
	f.sched = New(
		config.SchedulerConfig{PollIntervalSeconds: 10, IdentityUser: "operator"},
		queue, conversation.NewIdentity(store), b, factory,
	)
	return f
}

func TestTickDispatchesManualTask(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	task, err := f.queue.AddTask(ctx, "check the backlog", nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	f.sched.Tick(ctx)

	if len(f.convs) != 1 {
		t.Fatalf("orchestrators built = %d, want 1", len(f.convs))
	}
	c := f.convs[0]
	if c.started != 1 {
		t.Errorf("StartChat calls = %d", c.started)
	}
	if len(c.injected) != 2 || !strings.HasPrefix(c.injected[0], graph.RoleUser+": [subconscious]") {
		t.Errorf("bootstrap injection = %v", c.injected)
	}
	if len(c.sent) != 1 || c.sent[0] != "check the backlog" || c.taskIDs[0] != task.ID {
		t.Errorf("dispatch = sent %v task_ids %v", c.sent, c.taskIDs)
	}

	got, err := f.queue.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != graph.TaskCompleted || got.Response != "done" {
		t.Errorf("task after tick = %+v", got)
	}
	if !f.sched.ranLastTick {
		t.Error("fast path flag not set after a dispatch")
	}
}

func TestTickFailureMarksTaskFailed(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	task, err := f.queue.AddTask(ctx, "doomed work", nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	failing := &fakeConversation{sendErr: fmt.Errorf("model unavailable")}
	f.sched.factory = func(chatID string) Conversation { return failing }

	f.sched.Tick(ctx)

	got, err := f.queue.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != graph.TaskFailed || !strings.Contains(got.Error, "model unavailable") {
		t.Errorf("task after failed tick = %+v", got)
	}
}

func TestRecurringTaskReusesChat(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	// Fires every tick.
	f.sched.SetSpecs([]*config.RecurringTaskSpec{
		config.NewRecurringTaskSpec("standup", config.Recurrence{Kind: config.RecurCycles, Cycles: 1}, "post the standup"),
	})

	f.sched.Tick(ctx)
	f.sched.Tick(ctx)

	if len(f.convs) != 1 {
		t.Fatalf("recurring task built %d orchestrators, want 1 reused", len(f.convs))
	}
	c := f.convs[0]
	if c.started != 1 {
		t.Errorf("StartChat calls = %d, want 1 (first use only)", c.started)
	}
	if len(c.sent) != 2 {
		t.Errorf("dispatches = %d, want 2", len(c.sent))
	}
	// Bootstrap frames every dispatch, not just the first.
	if len(c.injected) != 4 {
		t.Errorf("bootstrap injections = %d, want 4", len(c.injected))
	}
}

func TestRecurringExpansionDeduplicates(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	f.sched.SetSpecs([]*config.RecurringTaskSpec{
		config.NewRecurringTaskSpec("hourly", config.Recurrence{Kind: config.RecurEvery, Every: time.Hour}, "sync"),
	})

	// Expansion only; no dispatch between the two calls.
	f.sched.expandRecurring(ctx)
	f.sched.expandRecurring(ctx)

	pending, err := f.queue.ListTasks(ctx, graph.TaskPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after double expansion = %d, want 1", len(pending))
	}
	if name, _ := pending[0].Metadata[taskqueue.MetaScheduledTaskName].(string); name != "hourly" {
		t.Errorf("metadata name = %q", name)
	}
}

func TestIdentityLoadedOnce(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	userID := graph.UserID("operator")
	if _, err := f.store.AddNode(ctx, graph.NodeInput{
		ID: userID, Type: graph.TypeUser, Label: "Operator", Content: "Runs the fleet.",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.queue.AddTask(ctx, "task one", nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.AddTask(ctx, "task two", nil, nil, false); err != nil {
		t.Fatal(err)
	}

	f.sched.Tick(ctx)
	f.sched.Tick(ctx)

	if len(f.convs) != 2 {
		t.Fatalf("manual tasks built %d orchestrators, want 2", len(f.convs))
	}
	for _, c := range f.convs {
		if !strings.Contains(c.identity, "Operator") {
			t.Errorf("preloaded identity = %q", c.identity)
		}
	}
	// Both orchestrators received the same cached block.
	if f.convs[0].identity != f.convs[1].identity {
		t.Error("identity differs between dispatches")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newSchedFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
