package provider

import (
	"context"
	"sync"
)

// Scripted replays a fixed sequence of responses. It backs the scenario
// tests, where the "model" must request specific tool calls and then settle
// on a terminal answer without a network in sight.
type Scripted struct {
	window int

	mu      sync.Mutex
	script  []*Response
	pos     int
	// Sent records every message handed to Send, for assertions.
	Sent []Message
}

// NewScripted builds a provider that replays script in order. Once the
// script is exhausted it keeps returning the last response.
func NewScripted(window int, script ...*Response) *Scripted {
	if window <= 0 {
		window = DefaultContextWindow
	}
	return &Scripted{window: window, script: script}
}

func (p *Scripted) Name() string       { return "scripted" }
func (p *Scripted) ContextWindow() int { return p.window }

func (p *Scripted) StartSession(system []string, history []Message, tools []ToolDefinition, nameMap NameMap) *Session {
	return &Session{
		System:   system,
		Messages: append([]Message(nil), history...),
		Tools:    tools,
		NameMap:  nameMap,
	}
}

func (p *Scripted) Send(ctx context.Context, sess *Session, msg Message) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess.Append(msg)

	p.mu.Lock()
	p.Sent = append(p.Sent, msg)
	var resp *Response
	switch {
	case len(p.script) == 0:
		resp = &Response{Content: "ok", FinishReason: "stop"}
	case p.pos < len(p.script):
		resp = p.script[p.pos]
		p.pos++
	default:
		resp = p.script[len(p.script)-1]
	}
	p.mu.Unlock()

	sess.Append(Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
	return resp, nil
}

// Echo answers every message with its own text. Handy for wiring smoke
// tests that only care about plumbing, not content.
type Echo struct {
	window int
}

func NewEcho(window int) *Echo {
	if window <= 0 {
		window = DefaultContextWindow
	}
	return &Echo{window: window}
}

func (p *Echo) Name() string       { return "echo" }
func (p *Echo) ContextWindow() int { return p.window }

func (p *Echo) StartSession(system []string, history []Message, tools []ToolDefinition, nameMap NameMap) *Session {
	return &Session{System: system, Messages: append([]Message(nil), history...), Tools: tools, NameMap: nameMap}
}

func (p *Echo) Send(ctx context.Context, sess *Session, msg Message) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess.Append(msg)
	resp := &Response{Content: msg.Content, FinishReason: "stop"}
	sess.Append(Message{Role: RoleAssistant, Content: resp.Content})
	return resp, nil
}
