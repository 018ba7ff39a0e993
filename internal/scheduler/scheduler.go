// Package scheduler runs the proactive loop: it expands recurring task specs
// into queue entries, claims dispatchable tasks one at a time, and drives
// each through a conversation orchestrator.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/agentfoundry/proactor/internal/bus"
	"github.com/agentfoundry/proactor/internal/config"
	"github.com/agentfoundry/proactor/internal/conversation"
	"github.com/agentfoundry/proactor/internal/graph"
	"github.com/agentfoundry/proactor/internal/taskqueue"
	"github.com/agentfoundry/proactor/pkg/protocol"
)

// fastPathSleep is the inter-tick delay when the previous tick ran a task:
// drain the queue quickly instead of waiting out the poll interval.
const fastPathSleep = 100 * time.Millisecond

const (
	bootstrapUserText = "[subconscious] A scheduled task is being dispatched. The user is not " +
		"present; work autonomously, use your tools as needed, and state the outcome plainly."
	bootstrapModelText = "Understood. Proceeding with the task."
)

// Conversation is the slice of the orchestrator the scheduler drives.
type Conversation interface {
	StartChat(ctx context.Context, sessionID, userID, chatID, chatName, preloadedIdentity string) error
	SendMessage(ctx context.Context, text, taskID string) (string, error)
	InjectInternal(ctx context.Context, role, text string) error
}

// OrchestratorFactory builds a fresh orchestrator bound to chatID.
type OrchestratorFactory func(chatID string) Conversation

// binding ties a recurring task name to its reusable chat and orchestrator.
type binding struct {
	chatID  string
	orch    Conversation
	started bool
}

// Scheduler owns the poll loop. It is the single writer of the recurring-task
// chat table; task turns run serially, one per tick.
type Scheduler struct {
	cfg      config.SchedulerConfig
	queue    *taskqueue.Queue
	identity *conversation.Identity
	bus      *bus.Bus
	factory  OrchestratorFactory
	now      func() time.Time

	sessionID  string
	cycleCount int

	mu        sync.Mutex
	specsPath string
	specs     []*config.RecurringTaskSpec

	chats map[string]*binding

	// ranLastTick is only touched by the loop goroutine.
	ranLastTick bool

	identityLoaded bool
	cachedIdentity string
}

func New(cfg config.SchedulerConfig, queue *taskqueue.Queue, identity *conversation.Identity, b *bus.Bus, factory OrchestratorFactory) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		queue:     queue,
		identity:  identity,
		bus:       b,
		factory:   factory,
		now:       time.Now,
		sessionID: "session:" + uuid.Must(uuid.NewV7()).String(),
		chats:     make(map[string]*binding),
	}
}

// LoadSpecs reads the recurring-task file and remembers its path for reloads.
func (s *Scheduler) LoadSpecs(path string) error {
	specs, err := config.LoadRecurringTasks(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.specsPath = path
	s.specs = specs
	s.mu.Unlock()
	slog.Info("scheduler.tasks.loaded", "path", path, "count", len(specs))
	return nil
}

// SetSpecs installs specs directly, bypassing the file.
func (s *Scheduler) SetSpecs(specs []*config.RecurringTaskSpec) {
	s.mu.Lock()
	s.specs = specs
	s.mu.Unlock()
}

// Run drives ticks until ctx is cancelled. The in-flight turn is allowed to
// finish; pending tasks stay pending for the next run.
func (s *Scheduler) Run(ctx context.Context) error {
	poll := time.Duration(s.cfg.PollIntervalSeconds) * time.Second
	if poll <= 0 {
		poll = 10 * time.Second
	}

	if s.cfg.WatchTasksFile {
		s.mu.Lock()
		path := s.specsPath
		s.mu.Unlock()
		if path != "" {
			go s.watchSpecs(ctx, path)
		}
	}

	slog.Info("scheduler.started", "session_id", s.sessionID, "poll_interval", poll)
	for {
		s.cycleCount++
		s.Tick(ctx)

		sleep := poll
		if s.ranLastTick {
			sleep = fastPathSleep
		}
		select {
		case <-ctx.Done():
			slog.Info("scheduler.stopped", "session_id", s.sessionID)
			return nil
		case <-time.After(sleep):
		}
	}
}

// Tick performs one expansion + dispatch round. Exposed so the CLI can run a
// single round and so tests can step the loop deterministically.
func (s *Scheduler) Tick(ctx context.Context) {
	s.expandRecurring(ctx)
	s.ranLastTick = s.dispatchOne(ctx)
}

// expandRecurring enqueues a task for every spec whose recurrence gate fires.
// One failing spec never aborts the others.
func (s *Scheduler) expandRecurring(ctx context.Context) {
	s.mu.Lock()
	specs := make([]*config.RecurringTaskSpec, len(s.specs))
	copy(specs, s.specs)
	s.mu.Unlock()

	now := s.now()
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		last, err := s.queue.GetLastScheduledTaskExecution(ctx, spec.Name)
		if err != nil {
			slog.Warn("scheduler.expand.history_failed", "task", spec.Name, "error", err)
			continue
		}
		fires, err := due(spec.Interval, s.cycleCount, last, now)
		if err != nil {
			slog.Warn("scheduler.expand.gate_failed", "task", spec.Name, "error", err)
			continue
		}
		if !fires {
			continue
		}

		prompt, err := spec.Prompt()
		if err != nil {
			slog.Warn("scheduler.expand.prompt_failed", "task", spec.Name, "error", err)
			continue
		}
		meta := map[string]any{taskqueue.MetaScheduledTaskName: spec.Name}
		for k, v := range spec.Metadata {
			meta[k] = v
		}
		task, err := s.queue.AddTask(ctx, prompt, meta, nil, false)
		if err != nil {
			slog.Warn("scheduler.expand.enqueue_failed", "task", spec.Name, "error", err)
			continue
		}
		slog.Debug("scheduler.expand.enqueued", "task", spec.Name, "task_id", task.ID)
	}
}

// dispatchOne claims and runs at most one task. Reports whether a task ran.
func (s *Scheduler) dispatchOne(ctx context.Context) bool {
	task, err := s.queue.GetNextPendingTask(ctx)
	if err != nil {
		slog.Error("scheduler.dispatch.claim_failed", "error", err)
		return false
	}
	if task == nil {
		return false
	}

	name, _ := task.Metadata[taskqueue.MetaScheduledTaskName].(string)
	bind, reusable := s.bindingFor(name)

	s.emitTask(ctx, protocol.EventTaskStarted, task, bind.chatID, "")
	slog.Info("scheduler.task.started", "task_id", task.ID, "chat_id", bind.chatID, "recurring", reusable)

	output, err := s.runTask(ctx, bind, task)
	if err != nil {
		slog.Warn("scheduler.task.failed", "task_id", task.ID, "error", err)
		if _, uerr := s.queue.UpdateTaskStatus(ctx, task.ID, graph.TaskFailed, "", err.Error()); uerr != nil {
			slog.Error("scheduler.task.status_failed", "task_id", task.ID, "error", uerr)
		}
		// A recurring binding is retained so the next firing retries with
		// conversational context; manual orchestrators are discarded.
		return true
	}

	if _, uerr := s.queue.UpdateTaskStatus(ctx, task.ID, graph.TaskCompleted, output, ""); uerr != nil {
		slog.Error("scheduler.task.status_failed", "task_id", task.ID, "error", uerr)
	}
	slog.Info("scheduler.task.completed", "task_id", task.ID)
	return true
}

// bindingFor resolves the chat binding for a task: recurring names reuse
// their recorded chat, everything else gets a fresh one.
func (s *Scheduler) bindingFor(name string) (*binding, bool) {
	if name != "" {
		if b, ok := s.chats[name]; ok {
			return b, true
		}
	}
	b := &binding{chatID: graph.NewChatID()}
	b.orch = s.factory(b.chatID)
	if name != "" {
		s.chats[name] = b
		return b, true
	}
	return b, false
}

// runTask performs the turn. The task context survives loop cancellation so
// an in-flight turn drains instead of dying mid-call; the optional task
// timeout is the grace window.
func (s *Scheduler) runTask(ctx context.Context, bind *binding, task *taskqueue.Task) (string, error) {
	taskCtx := context.WithoutCancel(ctx)
	if s.cfg.TaskTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, time.Duration(s.cfg.TaskTimeoutSeconds)*time.Second)
		defer cancel()
	}

	userID := graph.UserID(s.cfg.IdentityUser)
	if !bind.started {
		identity, err := s.loadIdentity(taskCtx, userID)
		if err != nil {
			return "", fmt.Errorf("load identity: %w", err)
		}
		chatName := "scheduled: " + task.ID
		if name, _ := task.Metadata[taskqueue.MetaScheduledTaskName].(string); name != "" {
			chatName = name
		}
		if err := bind.orch.StartChat(taskCtx, s.sessionID, userID, bind.chatID, chatName, identity); err != nil {
			return "", fmt.Errorf("start chat: %w", err)
		}
		bind.started = true
	}

	if err := bind.orch.InjectInternal(taskCtx, graph.RoleUser, bootstrapUserText); err != nil {
		return "", fmt.Errorf("inject bootstrap: %w", err)
	}
	if err := bind.orch.InjectInternal(taskCtx, graph.RoleModel, bootstrapModelText); err != nil {
		return "", fmt.Errorf("inject bootstrap ack: %w", err)
	}

	return bind.orch.SendMessage(taskCtx, task.Instruction, task.ID)
}

// loadIdentity assembles the identity block once per scheduler session.
func (s *Scheduler) loadIdentity(ctx context.Context, userID string) (string, error) {
	if s.identityLoaded {
		return s.cachedIdentity, nil
	}
	block, err := s.identity.Assemble(ctx, userID)
	if err != nil {
		return "", err
	}
	s.cachedIdentity = block
	s.identityLoaded = true
	return block, nil
}

// watchSpecs reloads the recurring-task file when it changes on disk.
func (s *Scheduler) watchSpecs(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("scheduler.watch.unavailable", "error", err)
		return
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which drops a direct watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Warn("scheduler.watch.add_failed", "path", path, "error", err)
		return
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.LoadSpecs(path); err != nil {
				slog.Warn("scheduler.watch.reload_failed", "path", path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("scheduler.watch.error", "error", err)
		}
	}
}

func (s *Scheduler) emitTask(ctx context.Context, event string, task *taskqueue.Task, chatID, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Dispatch(ctx, event, protocol.BusEvent{
		Scope: protocol.EventScope{SessionID: s.sessionID, UserID: graph.UserID(s.cfg.IdentityUser), ChatID: chatID, TaskID: task.ID},
		Data:  protocol.TaskStatusData{TaskID: task.ID, Status: task.Status, Error: errMsg},
	})
}
