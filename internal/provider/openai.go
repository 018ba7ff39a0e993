package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentfoundry/proactor/internal/config"
)

// OpenAICompat speaks the chat-completions dialect shared by OpenAI and the
// self-hosted gateways that imitate it (vLLM, LiteLLM, OpenRouter).
type OpenAICompat struct {
	apiKey  string
	apiBase string
	model   string

	maxTokens   int
	temperature float64
	window      int

	client  *http.Client
	limiter *rate.Limiter
}

// NewOpenAICompat builds the provider from config. A configured context
// window overrides the model-family registry; a configured RPM installs a
// client-side rate limiter.
func NewOpenAICompat(cfg config.ProviderConfig) *OpenAICompat {
	apiBase := cfg.BaseURL
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")

	window := cfg.ContextWindow
	if window <= 0 {
		window = ContextWindowFor(cfg.Model)
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPM > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitRPM)), 1)
	}

	return &OpenAICompat{
		apiKey:      cfg.APIKey,
		apiBase:     apiBase,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		window:      window,
		client:      &http.Client{Timeout: 120 * time.Second},
		limiter:     limiter,
	}
}

func (p *OpenAICompat) Name() string       { return "openai-compat" }
func (p *OpenAICompat) ContextWindow() int { return p.window }

func (p *OpenAICompat) StartSession(system []string, history []Message, tools []ToolDefinition, nameMap NameMap) *Session {
	return &Session{
		System:   system,
		Messages: append([]Message(nil), history...),
		Tools:    tools,
		NameMap:  nameMap,
	}
}

func (p *OpenAICompat) Send(ctx context.Context, sess *Session, msg Message) (*Response, error) {
	sess.Append(msg)

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body := p.buildRequestBody(sess)
	resp, err := p.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	out := p.parseResponse(resp)
	assistant := Message{Role: RoleAssistant, Content: out.Content, ToolCalls: out.ToolCalls}
	sess.Append(assistant)
	return out, nil
}

// buildRequestBody converts the session to the chat-completions wire format.
// Internal tool calls need the type+function wrapper with arguments as a
// JSON string.
func (p *OpenAICompat) buildRequestBody(sess *Session) map[string]any {
	msgs := make([]map[string]any, 0, len(sess.System)+len(sess.Messages))
	for _, sys := range sess.System {
		msgs = append(msgs, map[string]any{"role": RoleSystem, "content": sys})
	}

	for _, m := range sess.Messages {
		msg := map[string]any{"role": m.Role}
		// Omit empty content on assistant messages carrying tool calls;
		// several backends reject it.
		if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				calls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		msgs = append(msgs, msg)
	}

	body := map[string]any{
		"model":    p.model,
		"messages": msgs,
	}
	if len(sess.Tools) > 0 {
		tools := make([]map[string]any, len(sess.Tools))
		for i, td := range sess.Tools {
			fn := map[string]any{
				"name":        td.Name,
				"description": td.Description,
			}
			if td.Parameters != nil {
				fn["parameters"] = td.Parameters
			}
			tools[i] = map[string]any{"type": "function", "function": fn}
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	if p.maxTokens > 0 {
		body["max_tokens"] = p.maxTokens
	}
	if p.temperature > 0 {
		body["temperature"] = p.temperature
	}
	return body
}

func (p *OpenAICompat) doRequest(ctx context.Context, body map[string]any) (*openAIResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("model backend returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}

func (p *OpenAICompat) parseResponse(resp *openAIResponse) *Response {
	out := &Response{FinishReason: "stop"}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		if choice.FinishReason != "" {
			out.FinishReason = choice.FinishReason
		}
		for _, tc := range choice.Message.ToolCalls {
			args := map[string]any{}
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			out.ToolCalls = append(out.ToolCalls, FunctionCall{
				ID:   tc.ID,
				Name: strings.TrimSpace(tc.Function.Name),
				Args: args,
			})
		}
		if len(out.ToolCalls) > 0 {
			out.FinishReason = "tool_calls"
		}
	}
	if resp.Usage != nil {
		out.Usage = &Usage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
			Total:  resp.Usage.TotalTokens,
		}
		if resp.Usage.PromptTokensDetails != nil {
			out.Usage.Cached = resp.Usage.PromptTokensDetails.CachedTokens
		}
	}
	return out
}

// Wire types for the chat-completions response body.
type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		TotalTokens         int `json:"total_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}
