// Package taskqueue is the persistent, dependency-aware instruction queue.
// Tasks are Task nodes in the graph; DEPENDS_ON edges gate dispatch order.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentfoundry/proactor/internal/bus"
	"github.com/agentfoundry/proactor/internal/graph"
	"github.com/agentfoundry/proactor/pkg/protocol"
)

// MetaScheduledTaskName is the metadata key the recurrence gate and the
// de-duplication check both read.
const MetaScheduledTaskName = "scheduled_task_name"

// Task is the queue's view of a Task node.
type Task struct {
	ID          string
	Instruction string
	Status      string
	Metadata    map[string]any
	Response    string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Queue persists tasks through the graph store and narrates lifecycle
// transitions on the bus. Claiming is serialized by the queue mutex; two
// racing callers never both win the same task.
type Queue struct {
	store graph.Store
	bus   *bus.Bus

	mu sync.Mutex
}

func New(store graph.Store, b *bus.Bus) *Queue {
	return &Queue{store: store, bus: b}
}

// AddTask enqueues an instruction. With allowDuplicates false, a task carrying
// metadata scheduled_task_name=X is dropped when a pending or in_progress task
// with the same name already exists; the existing task is returned instead.
func (q *Queue) AddTask(ctx context.Context, instruction string, metadata map[string]any, dependsOn []string, allowDuplicates bool) (*Task, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, &graph.ValidationError{Reason: "task instruction is empty"}
	}

	if !allowDuplicates {
		if name, ok := metadata[MetaScheduledTaskName].(string); ok && name != "" {
			existing, err := q.findLiveByName(ctx, name)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return existing, nil
			}
		}
	}

	props := map[string]any{"status": graph.TaskPending}
	if len(metadata) > 0 {
		props["metadata"] = metadata
	}
	node, err := q.store.AddNode(ctx, graph.NodeInput{
		ID:         graph.NewTaskID(),
		Type:       graph.TypeTask,
		Label:      firstLine(instruction),
		Content:    instruction,
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	for _, dep := range dependsOn {
		if _, err := q.store.AddEdge(ctx, graph.EdgeInput{
			SourceID: node.ID, TargetID: dep, Type: graph.EdgeDependsOn,
		}); err != nil {
			return nil, fmt.Errorf("link dependency %s: %w", dep, err)
		}
	}

	task := fromNode(node)
	q.emit(ctx, protocol.EventTaskAdded, task, "")
	return task, nil
}

// GetNextPendingTask claims the oldest pending task whose dependencies have
// all completed, transitions it to in_progress, and returns it. Returns nil
// when nothing is dispatchable.
func (q *Queue) GetNextPendingTask(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.listTasks(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	for _, t := range tasks {
		if t.Status != graph.TaskPending {
			continue
		}
		ready, err := q.dependenciesCompleted(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}

		// Re-read under the claim lock; a racing claimer may have won.
		fresh, err := q.store.GetNode(ctx, t.ID)
		if err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if status(fresh) != graph.TaskPending {
			continue
		}
		claimed, err := q.store.UpdateNode(ctx, t.ID, graph.NodePatch{
			Properties: map[string]any{"status": graph.TaskInProgress},
		})
		if err != nil {
			return nil, fmt.Errorf("claim task %s: %w", t.ID, err)
		}

		task := fromNode(claimed)
		q.emit(ctx, protocol.EventTaskAvailable, task, "")
		return task, nil
	}
	return nil, nil
}

// UpdateTaskStatus records a terminal or progress transition. Backwards
// transitions are rejected; completed and failed are final.
func (q *Queue) UpdateTaskStatus(ctx context.Context, id, newStatus, response, errMsg string) (bool, error) {
	node, err := q.store.GetNode(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load task %s: %w", id, err)
	}
	if !validTransition(status(node), newStatus) {
		return false, nil
	}

	props := map[string]any{"status": newStatus}
	if response != "" {
		props["response"] = response
	}
	if errMsg != "" {
		props["error"] = errMsg
	}
	updated, err := q.store.UpdateNode(ctx, id, graph.NodePatch{Properties: props})
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}

	task := fromNode(updated)
	q.emit(ctx, protocol.EventTaskStatusChanged, task, errMsg)
	switch newStatus {
	case graph.TaskCompleted:
		q.emit(ctx, protocol.EventTaskCompleted, task, "")
	case graph.TaskFailed:
		q.emit(ctx, protocol.EventTaskFailed, task, errMsg)
	}
	return true, nil
}

// GetTask loads a single task by id.
func (q *Queue) GetTask(ctx context.Context, id string) (*Task, error) {
	node, err := q.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromNode(node), nil
}

// ListTasks returns every task, oldest first, optionally filtered by status.
func (q *Queue) ListTasks(ctx context.Context, statusFilter string) ([]*Task, error) {
	tasks, err := q.listTasks(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	if statusFilter == "" {
		return tasks, nil
	}
	var out []*Task
	for _, t := range tasks {
		if t.Status == statusFilter {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetLastScheduledTaskExecution returns the created_at of the most recent
// task carrying scheduled_task_name=name, or nil when none exists.
func (q *Queue) GetLastScheduledTaskExecution(ctx context.Context, name string) (*time.Time, error) {
	tasks, err := q.listTasks(ctx)
	if err != nil {
		return nil, err
	}

	var last *time.Time
	for _, t := range tasks {
		if scheduledName(t) != name {
			continue
		}
		if last == nil || t.CreatedAt.After(*last) {
			ts := t.CreatedAt
			last = &ts
		}
	}
	return last, nil
}

// GetTaskDependencies returns the tasks id depends on.
func (q *Queue) GetTaskDependencies(ctx context.Context, id string) ([]*Task, error) {
	return q.tasksAcrossEdges(ctx, graph.EdgeQuery{SourceID: id, Type: graph.EdgeDependsOn}, false)
}

// GetDependentTasks returns the tasks that depend on id.
func (q *Queue) GetDependentTasks(ctx context.Context, id string) ([]*Task, error) {
	return q.tasksAcrossEdges(ctx, graph.EdgeQuery{TargetID: id, Type: graph.EdgeDependsOn}, true)
}

// SweepCompleted deletes completed tasks whose last update is older than
// olderThan. Failed tasks are retained for inspection.
func (q *Queue) SweepCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	tasks, err := q.listTasks(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	swept := 0
	for _, t := range tasks {
		if t.Status != graph.TaskCompleted || t.UpdatedAt.After(cutoff) {
			continue
		}
		if err := q.store.DeleteNode(ctx, t.ID); err != nil {
			return swept, fmt.Errorf("sweep task %s: %w", t.ID, err)
		}
		swept++
	}
	return swept, nil
}

func (q *Queue) dependenciesCompleted(ctx context.Context, id string) (bool, error) {
	deps, err := q.GetTaskDependencies(ctx, id)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		if d.Status != graph.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (q *Queue) tasksAcrossEdges(ctx context.Context, query graph.EdgeQuery, useSource bool) ([]*Task, error) {
	edges, err := q.store.GetEdges(ctx, query)
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, e := range edges {
		otherID := e.TargetID
		if useSource {
			otherID = e.SourceID
		}
		node, err := q.store.GetNode(ctx, otherID)
		if err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if node.Type == graph.TypeTask {
			out = append(out, fromNode(node))
		}
	}
	return out, nil
}

func (q *Queue) findLiveByName(ctx context.Context, name string) (*Task, error) {
	tasks, err := q.listTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if scheduledName(t) != name {
			continue
		}
		if t.Status == graph.TaskPending || t.Status == graph.TaskInProgress {
			return t, nil
		}
	}
	return nil, nil
}

// listTasks pages through every Task node.
func (q *Queue) listTasks(ctx context.Context) ([]*Task, error) {
	const page = 200
	var out []*Task
	for offset := 0; ; offset += page {
		nodes, total, err := q.store.SearchNodes(ctx, graph.SearchQuery{
			Type: graph.TypeTask, Limit: page, Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		for i := range nodes {
			out = append(out, fromNode(&nodes[i]))
		}
		if offset+page >= total || len(nodes) == 0 {
			break
		}
	}
	return out, nil
}

func (q *Queue) emit(ctx context.Context, event string, t *Task, errMsg string) {
	if q.bus == nil {
		return
	}
	q.bus.Dispatch(ctx, event, protocol.BusEvent{
		Scope: protocol.EventScope{TaskID: t.ID},
		Data:  protocol.TaskStatusData{TaskID: t.ID, Status: t.Status, Error: errMsg},
	})
}

// validTransition enforces pending -> in_progress -> {completed, failed}.
// Completed and failed never leave; a direct pending -> failed is allowed so
// shutdown can mark undispatchable work.
func validTransition(from, to string) bool {
	switch from {
	case graph.TaskPending:
		return to == graph.TaskInProgress || to == graph.TaskFailed
	case graph.TaskInProgress:
		return to == graph.TaskCompleted || to == graph.TaskFailed
	default:
		return false
	}
}

func fromNode(n *graph.Node) *Task {
	t := &Task{
		ID:          n.ID,
		Instruction: n.Content,
		Status:      status(n),
		CreatedAt:   n.CreatedAt,
		UpdatedAt:   n.UpdatedAt,
	}
	if md, ok := n.Properties["metadata"].(map[string]any); ok {
		t.Metadata = md
	}
	t.Response, _ = n.Properties["response"].(string)
	t.Error, _ = n.Properties["error"].(string)
	return t
}

func status(n *graph.Node) string {
	s, _ := n.Properties["status"].(string)
	return s
}

func scheduledName(t *Task) string {
	name, _ := t.Metadata[MetaScheduledTaskName].(string)
	return name
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
