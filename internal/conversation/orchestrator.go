package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentfoundry/proactor/internal/bus"
	"github.com/agentfoundry/proactor/internal/config"
	"github.com/agentfoundry/proactor/internal/graph"
	"github.com/agentfoundry/proactor/internal/middleware"
	"github.com/agentfoundry/proactor/internal/provider"
	"github.com/agentfoundry/proactor/internal/telemetry"
	"github.com/agentfoundry/proactor/pkg/protocol"
)

// ToolBroker is the slice of the broker the orchestrator needs.
type ToolBroker interface {
	Call(ctx context.Context, name string, args map[string]any) any
}

const summaryPrompt = "Summarize the following conversation. Preserve decisions, open questions, " +
	"and facts about the user. Be concise; the summary replaces the original messages.\n\n"

// Orchestrator drives one chat: it owns the provider session, persists every
// turn through the message service, mediates tool calls through the
// middleware chain, and narrates progress on the bus.
type Orchestrator struct {
	provider provider.Provider
	messages *Messages
	identity *Identity
	broker   ToolBroker
	chain    *middleware.Chain
	bus      *bus.Bus
	cfg      config.ConversationConfig

	scope   protocol.EventScope
	session *provider.Session
	tools   []provider.ToolDefinition
	nameMap provider.NameMap
}

// NewOrchestrator wires the collaborators. Tools and nameMap come from
// provider.PrepareTools over the broker's aggregate at construction time.
func NewOrchestrator(
	p provider.Provider,
	messages *Messages,
	identity *Identity,
	broker ToolBroker,
	chain *middleware.Chain,
	b *bus.Bus,
	cfg config.ConversationConfig,
	tools []provider.ToolDefinition,
	nameMap provider.NameMap,
) *Orchestrator {
	if chain == nil {
		chain = middleware.NewChain()
	}
	return &Orchestrator{
		provider: p,
		messages: messages,
		identity: identity,
		broker:   broker,
		chain:    chain,
		bus:      b,
		cfg:      cfg,
		tools:    tools,
		nameMap:  nameMap,
	}
}

// ChatID returns the chat this orchestrator is bound to, empty before StartChat.
func (o *Orchestrator) ChatID() string { return o.scope.ChatID }

// StartChat binds the orchestrator to a chat, summarizes oversized history,
// loads the token-budgeted window, and opens the provider session.
func (o *Orchestrator) StartChat(ctx context.Context, sessionID, userID, chatID, chatName, preloadedIdentity string) error {
	o.scope = protocol.EventScope{SessionID: sessionID, UserID: userID, ChatID: chatID}

	if _, err := graph.CreateChat(ctx, o.messages.store, chatID, userID, chatName); err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}

	identityBlock := preloadedIdentity
	if identityBlock == "" {
		var err error
		identityBlock, err = o.identity.Assemble(ctx, userID)
		if err != nil {
			return fmt.Errorf("assemble identity: %w", err)
		}
	}

	window := o.provider.ContextWindow()
	if should, err := o.shouldSummarize(ctx, window); err != nil {
		return err
	} else if should {
		if err := o.summarizeConversation(ctx); err != nil {
			// Summarization failure is not fatal; the budget walk below still
			// bounds what reaches the model.
			slog.Warn("bot.summarize.failed", "chat_id", chatID, "error", err)
		}
	}

	budget := int(float64(window) * clamp(o.cfg.TokenBudgetPercent, 0.1, 1.0, 0.8))
	nodes, err := o.messages.GetWithinTokenLimit(ctx, chatID, budget, true)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	history := toProviderMessages(nodes)
	o.emitEstimate("history", sumTokens(o.messages, nodes))

	o.session = o.provider.StartSession([]string{identityBlock}, history, o.tools, o.nameMap)

	o.emit(ctx, protocol.EventChatStarted, protocol.StatusData{State: "chat_started"})
	return nil
}

// SendMessage runs one full turn and returns the model's final text.
func (o *Orchestrator) SendMessage(ctx context.Context, text, taskID string) (string, error) {
	if o.session == nil {
		return "", fmt.Errorf("chat not started")
	}
	scope := o.scope
	scope.TaskID = taskID
	ctx, span := telemetry.StartSpan(ctx, "conversation.turn",
		attribute.String("chat.id", scope.ChatID))
	defer span.End()

	mc := &middleware.MessageContext{Message: text, ChatID: scope.ChatID, TaskID: taskID}
	if err := o.chain.RunMessage(ctx, mc); err != nil {
		return "", fmt.Errorf("message middleware: %w", err)
	}
	effective := mc.Effective()

	if _, err := o.messages.Save(ctx, SaveInput{
		ChatID: scope.ChatID, Content: effective, Role: graph.RoleUser,
		MessageType: graph.MessageTypeMessage,
	}); err != nil {
		return "", err
	}
	o.emitScoped(ctx, scope, protocol.EventMessageSent,
		protocol.MessageData{Role: graph.RoleUser, Content: effective})
	o.emitScoped(ctx, scope, protocol.EventTokenEstimate,
		protocol.TokenEstimateData{Source: "message", Tokens: o.messages.EstimateTokens(effective)})

	if mc.SkipModel {
		return o.finishTurn(ctx, scope, mc.Response, effective)
	}

	maxIter := o.cfg.MaxToolIterations
	if maxIter <= 0 {
		maxIter = 20
	}

	next := provider.Message{Role: provider.RoleUser, Content: effective}
	for iteration := 0; ; iteration++ {
		resp, err := o.provider.Send(ctx, o.session, next)
		if err != nil {
			return "", fmt.Errorf("model send: %w", err)
		}
		if resp.Usage != nil {
			o.emitScoped(ctx, scope, protocol.EventTokenUsage, protocol.TokenUsageData{
				Input: resp.Usage.Input, Output: resp.Usage.Output,
				Total: resp.Usage.Total, Cached: resp.Usage.Cached,
			})
		}

		if len(resp.ToolCalls) == 0 {
			return o.finishTurn(ctx, scope, resp.Content, effective)
		}
		if iteration >= maxIter {
			return "", fmt.Errorf("tool iteration cap (%d) exceeded", maxIter)
		}

		// Text alongside tool calls is reasoning, not the answer.
		if resp.Content != "" {
			o.emitScoped(ctx, scope, protocol.EventThought, protocol.ThoughtData{Text: resp.Content})
		}

		results := o.runToolCalls(ctx, scope, resp.ToolCalls)

		// All but the last result are appended directly; the last one drives
		// the next exchange.
		for _, r := range results[:len(results)-1] {
			o.session.Append(r)
		}
		next = results[len(results)-1]
	}
}

// runToolCalls mediates and dispatches each requested call, persisting and
// narrating as it goes. Always returns one result message per call.
func (o *Orchestrator) runToolCalls(ctx context.Context, scope protocol.EventScope, calls []provider.FunctionCall) []provider.Message {
	results := make([]provider.Message, 0, len(calls))
	for _, call := range calls {
		original := o.nameMap.Original(call.Name)

		o.emitScoped(ctx, scope, protocol.EventToolUse,
			protocol.ToolUseData{Name: original, Args: call.Args})
		if _, err := o.messages.Save(ctx, SaveInput{
			ChatID: scope.ChatID, Role: graph.RoleModel,
			MessageType: graph.MessageTypeToolUse,
			ToolName:    original, ToolArgs: call.Args,
		}); err != nil {
			slog.Error("bot.tool_use.persist_failed", "tool", original, "error", err)
		}

		var result any
		if _, known := o.nameMap[call.Name]; !known && o.lacksTool(call.Name) {
			result = map[string]any{"error": "unknown tool"}
		} else {
			tc := &middleware.ToolContext{
				Name: original, Args: call.Args,
				ChatID: scope.ChatID, TaskID: scope.TaskID,
			}
			if err := o.chain.RunTool(ctx, tc); err != nil {
				result = map[string]any{"error": err.Error()}
			} else if tc.Vetoed {
				result = tc.Result
			} else {
				callCtx, span := telemetry.StartSpan(ctx, "tool.call",
					attribute.String("tool.name", original))
				result = o.broker.Call(callCtx, original, tc.EffectiveArgs())
				span.End()
			}
		}

		rendered := renderResult(result)
		o.emitScoped(ctx, scope, protocol.EventToolResult,
			protocol.ToolResultData{Name: original, Result: rendered})
		if _, err := o.messages.Save(ctx, SaveInput{
			ChatID: scope.ChatID, Content: rendered, Role: graph.RoleModel,
			MessageType: graph.MessageTypeToolResult,
			ToolName:    original, ToolArgs: call.Args,
		}); err != nil {
			slog.Error("bot.tool_result.persist_failed", "tool", original, "error", err)
		}

		results = append(results, provider.Message{
			Role: provider.RoleTool, Content: rendered, ToolCallID: call.ID,
		})
	}
	return results
}

// lacksTool reports whether no definition carries the sanitized name.
func (o *Orchestrator) lacksTool(sanitized string) bool {
	for _, td := range o.tools {
		if td.Name == sanitized {
			return false
		}
	}
	return true
}

// finishTurn runs response middleware, persists the final text, and emits
// the closing events.
func (o *Orchestrator) finishTurn(ctx context.Context, scope protocol.EventScope, response, userMessage string) (string, error) {
	rc := &middleware.ResponseContext{Response: response, UserMessage: userMessage}
	if err := o.chain.RunResponse(ctx, rc); err != nil {
		return "", fmt.Errorf("response middleware: %w", err)
	}
	final := rc.Effective()

	if _, err := o.messages.Save(ctx, SaveInput{
		ChatID: scope.ChatID, Content: final, Role: graph.RoleModel,
		MessageType: graph.MessageTypeMessage,
	}); err != nil {
		return "", err
	}
	o.emitScoped(ctx, scope, protocol.EventMessageReceived,
		protocol.MessageData{Role: graph.RoleModel, Content: final})
	o.emitScoped(ctx, scope, protocol.EventTurnComplete,
		protocol.StatusData{State: "turn_complete"})
	return final, nil
}

// InjectInternal persists a bootstrap message and appends it to the session
// without a provider round trip. The scheduler uses this to frame autonomous
// turns before the first real message.
func (o *Orchestrator) InjectInternal(ctx context.Context, role, text string) error {
	if o.session == nil {
		return fmt.Errorf("chat not started")
	}
	if _, err := o.messages.Save(ctx, SaveInput{
		ChatID: o.scope.ChatID, Content: text, Role: role,
		MessageType: graph.MessageTypeInternal, Internal: true,
	}); err != nil {
		return err
	}

	provRole := provider.RoleUser
	if role == graph.RoleModel {
		provRole = provider.RoleAssistant
	}
	o.session.Append(provider.Message{Role: provRole, Content: text})
	return nil
}

// shouldSummarize compares un-summarized history against the threshold
// fraction of the context window.
func (o *Orchestrator) shouldSummarize(ctx context.Context, window int) (bool, error) {
	tokens, err := o.messages.TokensSinceSummary(ctx, o.scope.ChatID)
	if err != nil {
		return false, fmt.Errorf("estimate history: %w", err)
	}
	threshold := clamp(o.cfg.SummaryThreshold, 0.5, 0.95, 0.85)
	return float64(tokens) >= float64(window)*threshold, nil
}

// summarizeConversation asks the model for a summary of everything since
// the last one and persists it as a Summary message.
func (o *Orchestrator) summarizeConversation(ctx context.Context) error {
	o.emit(ctx, protocol.EventSummarizationStarted, protocol.StatusData{State: "summarizing"})

	input, err := o.messages.FormatForSummary(ctx, o.scope.ChatID)
	if err != nil {
		return err
	}
	o.emitEstimate("summary_input", o.messages.EstimateTokens(input))

	sess := o.provider.StartSession(nil, nil, nil, nil)
	resp, err := o.provider.Send(ctx, sess, provider.Message{
		Role: provider.RoleUser, Content: summaryPrompt + input,
	})
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	if _, err := o.messages.Save(ctx, SaveInput{
		ChatID: o.scope.ChatID, Content: resp.Content, Role: graph.RoleModel,
		MessageType: graph.MessageTypeSummary,
	}); err != nil {
		return err
	}

	o.emit(ctx, protocol.EventSummarized, protocol.StatusData{State: "summarized"})
	o.emit(ctx, protocol.EventSummarizationCompleted, protocol.StatusData{State: "summarized"})
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, event string, data any) {
	o.emitScoped(ctx, o.scope, event, data)
}

func (o *Orchestrator) emitScoped(ctx context.Context, scope protocol.EventScope, event string, data any) {
	if o.bus == nil {
		return
	}
	o.bus.Dispatch(ctx, event, protocol.BusEvent{Scope: scope, Data: data})
}

func (o *Orchestrator) emitEstimate(source string, tokens int) {
	if o.bus == nil {
		return
	}
	o.bus.Dispatch(context.Background(), protocol.EventTokenEstimate,
		protocol.BusEvent{Scope: o.scope, Data: protocol.TokenEstimateData{Source: source, Tokens: tokens}})
}

// toProviderMessages maps stored history into the provider transcript.
// Summaries travel as user-visible context; tool chatter is replayed as
// plain text so restarts do not resurrect half-finished call cycles.
func toProviderMessages(nodes []graph.Node) []provider.Message {
	out := make([]provider.Message, 0, len(nodes))
	for _, n := range nodes {
		role, _ := n.Properties["role"].(string)
		provRole := provider.RoleUser
		if role == graph.RoleModel {
			provRole = provider.RoleAssistant
		}
		content := n.Content
		if messageType(&n) == graph.MessageTypeSummary {
			content = "[Conversation summary]\n" + content
		}
		out = append(out, provider.Message{Role: provRole, Content: content})
	}
	return out
}

func sumTokens(m *Messages, nodes []graph.Node) int {
	total := 0
	for i := range nodes {
		total += m.MessageTokens(&nodes[i])
	}
	return total
}

func renderResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func clamp(v, lo, hi, def float64) float64 {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
