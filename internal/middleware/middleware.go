// Package middleware implements the three interception pipelines around a
// conversation turn: inbound message rewriting, tool-call mediation, and
// response post-processing.
package middleware

import "context"

// MessageContext travels through the message pipeline. A handler rewrites by
// setting ModifiedMessage; setting SkipModel short-circuits the turn and
// Response becomes the canned answer.
type MessageContext struct {
	Message         string
	ModifiedMessage string
	SkipModel       bool
	Response        string

	ChatID string
	TaskID string
}

// Effective returns the rewritten message when present.
func (c *MessageContext) Effective() string {
	if c.ModifiedMessage != "" {
		return c.ModifiedMessage
	}
	return c.Message
}

// ToolContext travels through the tool pipeline. Handlers may mutate the
// planned call via ModifiedArgs or veto it by setting Result (and Vetoed);
// a vetoed call never reaches the broker and Result is fed back to the
// model as the tool result.
type ToolContext struct {
	Name         string
	Args         map[string]any
	ModifiedArgs map[string]any
	Result       any
	Vetoed       bool

	ChatID string
	TaskID string
}

// EffectiveArgs returns the rewritten arguments when present.
func (c *ToolContext) EffectiveArgs() map[string]any {
	if c.ModifiedArgs != nil {
		return c.ModifiedArgs
	}
	return c.Args
}

// ResponseContext travels through the response pipeline.
type ResponseContext struct {
	Response         string
	ModifiedResponse string
	UserMessage      string
	Metadata         map[string]any
}

// Effective returns the rewritten response when present.
func (c *ResponseContext) Effective() string {
	if c.ModifiedResponse != "" {
		return c.ModifiedResponse
	}
	return c.Response
}

// Handler signatures for the three pipelines.
type (
	MessageHandler  func(ctx context.Context, mc *MessageContext) error
	ToolHandler     func(ctx context.Context, tc *ToolContext) error
	ResponseHandler func(ctx context.Context, rc *ResponseContext) error
)

// Chain holds the three pipelines. Handlers compose right to left: the
// handler added last wraps closest to the original input and runs first.
type Chain struct {
	message  []MessageHandler
	tool     []ToolHandler
	response []ResponseHandler
}

func NewChain() *Chain { return &Chain{} }

func (c *Chain) UseMessage(h ...MessageHandler)   { c.message = append(c.message, h...) }
func (c *Chain) UseTool(h ...ToolHandler)         { c.tool = append(c.tool, h...) }
func (c *Chain) UseResponse(h ...ResponseHandler) { c.response = append(c.response, h...) }

// RunMessage feeds mc through the message pipeline. A SkipModel signal stops
// further handlers.
func (c *Chain) RunMessage(ctx context.Context, mc *MessageContext) error {
	for i := len(c.message) - 1; i >= 0; i-- {
		if err := c.message[i](ctx, mc); err != nil {
			return err
		}
		if mc.SkipModel {
			return nil
		}
	}
	return nil
}

// RunTool feeds tc through the tool pipeline. A veto stops further handlers.
func (c *Chain) RunTool(ctx context.Context, tc *ToolContext) error {
	for i := len(c.tool) - 1; i >= 0; i-- {
		if err := c.tool[i](ctx, tc); err != nil {
			return err
		}
		if tc.Vetoed {
			return nil
		}
	}
	return nil
}

// RunResponse feeds rc through the response pipeline.
func (c *Chain) RunResponse(ctx context.Context, rc *ResponseContext) error {
	for i := len(c.response) - 1; i >= 0; i-- {
		if err := c.response[i](ctx, rc); err != nil {
			return err
		}
	}
	return nil
}
