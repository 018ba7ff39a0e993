package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentfoundry/proactor/internal/bus"
	"github.com/agentfoundry/proactor/internal/graph"
	"github.com/agentfoundry/proactor/pkg/protocol"
)

func newTestQueue() (*Queue, *bus.Bus) {
	b := bus.New()
	return New(graph.NewMemoryStore(), b), b
}

func TestAddTaskRejectsEmptyInstruction(t *testing.T) {
	q, _ := newTestQueue()

	for _, instruction := range []string{"", "   ", "\n\t"} {
		_, err := q.AddTask(context.Background(), instruction, nil, nil, false)
		var ve *graph.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("AddTask(%q) err = %v, want ValidationError", instruction, err)
		}
	}
}

func TestAddTaskDeduplicatesScheduledName(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()
	meta := map[string]any{MetaScheduledTaskName: "daily-brief"}

	first, err := q.AddTask(ctx, "write the brief", meta, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.AddTask(ctx, "write the brief", meta, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate enqueued: %s vs %s", second.ID, first.ID)
	}

	// allowDuplicates bypasses the check.
	third, err := q.AddTask(ctx, "write the brief", meta, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Error("allowDuplicates did not create a new task")
	}

	// A completed task no longer blocks re-enqueueing.
	if _, err := q.UpdateTaskStatus(ctx, first.ID, graph.TaskInProgress, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := q.UpdateTaskStatus(ctx, first.ID, graph.TaskCompleted, "done", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := q.UpdateTaskStatus(ctx, third.ID, graph.TaskInProgress, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := q.UpdateTaskStatus(ctx, third.ID, graph.TaskCompleted, "done", ""); err != nil {
		t.Fatal(err)
	}
	fourth, err := q.AddTask(ctx, "write the brief", meta, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if fourth.ID == first.ID || fourth.ID == third.ID {
		t.Error("completed task still deduplicated a new one")
	}
}

func TestGetNextPendingTaskOrdersAndGates(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	base, err := q.AddTask(ctx, "collect data", nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	dependent, err := q.AddTask(ctx, "report on data", nil, []string{base.ID}, false)
	if err != nil {
		t.Fatal(err)
	}

	// Oldest dispatchable first: base, not the younger dependent task.
	got, err := q.GetNextPendingTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != base.ID {
		t.Fatalf("claimed %+v, want %s", got, base.ID)
	}
	if got.Status != graph.TaskInProgress {
		t.Errorf("claimed status = %q", got.Status)
	}

	// Dependent stays gated while base is in_progress.
	got, err = q.GetNextPendingTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("dependent dispatched before its dependency completed: %+v", got)
	}

	if _, err := q.UpdateTaskStatus(ctx, base.ID, graph.TaskCompleted, "data ready", ""); err != nil {
		t.Fatal(err)
	}
	got, err = q.GetNextPendingTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != dependent.ID {
		t.Fatalf("after completion claimed %+v, want %s", got, dependent.ID)
	}
}

func TestFailedDependencyKeepsDependentGated(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	a, err := q.AddTask(ctx, "flaky step", nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	b1, err := q.AddTask(ctx, "follow-up", nil, []string{a.ID}, false)
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := q.GetNextPendingTask(ctx)
	if err != nil || claimed == nil || claimed.ID != a.ID {
		t.Fatalf("claimed %+v err %v", claimed, err)
	}
	if _, err := q.UpdateTaskStatus(ctx, a.ID, graph.TaskFailed, "", "boom"); err != nil {
		t.Fatal(err)
	}

	// Failed is terminal but not completed; the dependent stays gated.
	got, err := q.GetNextPendingTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("dependent dispatched behind a failed dependency: %+v", got)
	}

	// Flip the dependency to completed directly in the store and retry.
	if _, err := q.store.UpdateNode(ctx, a.ID, graph.NodePatch{
		Properties: map[string]any{"status": graph.TaskCompleted},
	}); err != nil {
		t.Fatal(err)
	}
	got, err = q.GetNextPendingTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != b1.ID {
		t.Fatalf("after completion claimed %+v, want %s", got, b1.ID)
	}
}

func TestGetNextPendingTaskRace(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	if _, err := q.AddTask(ctx, "only one winner", nil, nil, false); err != nil {
		t.Fatal(err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var won int
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q.GetNextPendingTask(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			if got != nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("winners = %d, want exactly 1", won)
	}
}

func TestUpdateTaskStatusTransitionsAndEvents(t *testing.T) {
	q, b := newTestQueue()
	ctx := context.Background()

	var events []string
	for _, name := range []string{
		protocol.EventTaskStatusChanged, protocol.EventTaskCompleted, protocol.EventTaskFailed,
	} {
		b.Subscribe(name, "test", func(ctx context.Context, ev bus.Event) (any, error) {
			events = append(events, ev.Name)
			return nil, nil
		})
	}

	task, err := q.AddTask(ctx, "do it", nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	// Terminal before claim is rejected, except failed (shutdown marking).
	ok, err := q.UpdateTaskStatus(ctx, task.ID, graph.TaskCompleted, "", "")
	if err != nil || ok {
		t.Errorf("pending -> completed accepted (ok=%v err=%v)", ok, err)
	}

	ok, err = q.UpdateTaskStatus(ctx, task.ID, graph.TaskInProgress, "", "")
	if err != nil || !ok {
		t.Fatalf("claim transition rejected (ok=%v err=%v)", ok, err)
	}
	ok, err = q.UpdateTaskStatus(ctx, task.ID, graph.TaskCompleted, "all done", "")
	if err != nil || !ok {
		t.Fatalf("complete transition rejected (ok=%v err=%v)", ok, err)
	}

	// Completed is final.
	ok, err = q.UpdateTaskStatus(ctx, task.ID, graph.TaskFailed, "", "late failure")
	if err != nil || ok {
		t.Errorf("completed -> failed accepted (ok=%v err=%v)", ok, err)
	}

	want := []string{
		protocol.EventTaskStatusChanged,
		protocol.EventTaskStatusChanged,
		protocol.EventTaskCompleted,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, events[i], want[i])
		}
	}

	got, err := q.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Response != "all done" {
		t.Errorf("response = %q", got.Response)
	}
}

func TestGetLastScheduledTaskExecution(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	none, err := q.GetLastScheduledTaskExecution(ctx, "never-ran")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Errorf("unknown name returned %v", none)
	}

	meta := map[string]any{MetaScheduledTaskName: "hourly-sync"}
	first, err := q.AddTask(ctx, "sync now", meta, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.AddTask(ctx, "sync again", meta, nil, true)
	if err != nil {
		t.Fatal(err)
	}

	last, err := q.GetLastScheduledTaskExecution(ctx, "hourly-sync")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || !last.Equal(second.CreatedAt) {
		t.Errorf("last execution = %v, want %v (first was %v)", last, second.CreatedAt, first.CreatedAt)
	}
}

func TestDependencyQueries(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	a, _ := q.AddTask(ctx, "step a", nil, nil, false)
	b1, _ := q.AddTask(ctx, "step b", nil, []string{a.ID}, false)

	deps, err := q.GetTaskDependencies(ctx, b1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 || deps[0].ID != a.ID {
		t.Errorf("dependencies of %s = %+v", b1.ID, deps)
	}

	dependents, err := q.GetDependentTasks(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dependents) != 1 || dependents[0].ID != b1.ID {
		t.Errorf("dependents of %s = %+v", a.ID, dependents)
	}
}

func TestSweepCompletedRetainsFailed(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	done, _ := q.AddTask(ctx, "finished work", nil, nil, false)
	failed, _ := q.AddTask(ctx, "broken work", nil, nil, true)
	pending, _ := q.AddTask(ctx, "future work", nil, nil, true)

	q.UpdateTaskStatus(ctx, done.ID, graph.TaskInProgress, "", "")
	q.UpdateTaskStatus(ctx, done.ID, graph.TaskCompleted, "ok", "")
	q.UpdateTaskStatus(ctx, failed.ID, graph.TaskInProgress, "", "")
	q.UpdateTaskStatus(ctx, failed.ID, graph.TaskFailed, "", "boom")

	// Everything is newer than an hour, so a 1h window sweeps nothing.
	swept, err := q.SweepCompleted(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 0 {
		t.Errorf("swept %d tasks inside retention window", swept)
	}

	swept, err = q.SweepCompleted(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if _, err := q.GetTask(ctx, done.ID); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("completed task survived sweep: %v", err)
	}
	if _, err := q.GetTask(ctx, failed.ID); err != nil {
		t.Errorf("failed task swept: %v", err)
	}
	if _, err := q.GetTask(ctx, pending.ID); err != nil {
		t.Errorf("pending task swept: %v", err)
	}
}
