package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/agentfoundry/proactor/internal/config"
)

// PromptRenderer renders a named prompt on whichever tool server owns it.
type PromptRenderer interface {
	GetPrompt(ctx context.Context, name string, args map[string]string) (string, error)
}

// ResourceReader fetches a resource body by URI.
type ResourceReader interface {
	ReadResource(ctx context.Context, uri string) (string, error)
}

// ToolCaller dispatches a tool call; errors come back as payloads.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) any
}

var slashCommand = regexp.MustCompile(`^/([a-zA-Z][a-zA-Z0-9_-]*)\s*(.*)$`)

// SlashCommandExpansion rewrites "/name args" into the server-rendered
// prompt of that name. Unknown commands pass through untouched so the model
// can still answer "/typo".
func SlashCommandExpansion(renderer PromptRenderer) MessageHandler {
	return func(ctx context.Context, mc *MessageContext) error {
		m := slashCommand.FindStringSubmatch(strings.TrimSpace(mc.Effective()))
		if m == nil {
			return nil
		}
		name, rest := m[1], strings.TrimSpace(m[2])

		args := map[string]string{}
		if rest != "" {
			args["input"] = rest
		}
		rendered, err := renderer.GetPrompt(ctx, name, args)
		if err != nil {
			slog.Debug("middleware.slash.unknown", "command", name, "error", err)
			return nil
		}
		mc.ModifiedMessage = rendered
		return nil
	}
}

var resourceRef = regexp.MustCompile(`@([a-zA-Z][a-zA-Z0-9+.-]*://\S+)`)

// ResourceInjection resolves @<uri> references and appends each body to the
// message as a labelled block. Unresolvable references are left in place.
func ResourceInjection(reader ResourceReader) MessageHandler {
	return func(ctx context.Context, mc *MessageContext) error {
		text := mc.Effective()
		refs := resourceRef.FindAllStringSubmatch(text, -1)
		if len(refs) == 0 {
			return nil
		}

		var blocks []string
		for _, ref := range refs {
			uri := ref[1]
			body, err := reader.ReadResource(ctx, uri)
			if err != nil {
				slog.Debug("middleware.resource.unresolved", "uri", uri, "error", err)
				continue
			}
			blocks = append(blocks, fmt.Sprintf("[Resource: %s]\n%s", uri, body))
		}
		if len(blocks) == 0 {
			return nil
		}
		mc.ModifiedMessage = text + "\n\n" + strings.Join(blocks, "\n\n")
		return nil
	}
}

// Redaction masks every match of the given patterns in inbound messages and
// outbound responses.
func Redaction(patterns ...*regexp.Regexp) (MessageHandler, ResponseHandler) {
	redact := func(s string) string {
		for _, p := range patterns {
			s = p.ReplaceAllString(s, "[REDACTED]")
		}
		return s
	}

	msg := func(ctx context.Context, mc *MessageContext) error {
		if out := redact(mc.Effective()); out != mc.Effective() {
			mc.ModifiedMessage = out
		}
		return nil
	}
	resp := func(ctx context.Context, rc *ResponseContext) error {
		if out := redact(rc.Effective()); out != rc.Effective() {
			rc.ModifiedResponse = out
		}
		return nil
	}
	return msg, resp
}

// Guard vetoes tool calls that would write into the runtime's own source
// tree while the working branch is protected. The branch is queried through
// the VCS tool on each suspect call; if the query fails the write is allowed
// (the VCS tool may simply be absent from the fleet).
type Guard struct {
	Caller            ToolCaller
	ProtectedBranches []string
	SourcePrefixes    []string

	// BranchTool names the fleet tool that reports the current branch.
	BranchTool string
	// WriteTools lists the tool names treated as file writes.
	WriteTools []string
	// PathArgs lists the argument keys inspected for a target path.
	PathArgs []string
}

// NewGuard applies the configured protections with conventional defaults.
func NewGuard(caller ToolCaller, cfg config.GuardConfig) *Guard {
	g := &Guard{
		Caller:            caller,
		ProtectedBranches: cfg.ProtectedBranches,
		SourcePrefixes:    cfg.SourcePrefixes,
		BranchTool:        "git_current_branch",
		WriteTools:        []string{"write_file", "edit_file", "create_file", "delete_file"},
		PathArgs:          []string{"path", "file_path", "filename"},
	}
	if len(g.ProtectedBranches) == 0 {
		g.ProtectedBranches = []string{"main", "master"}
	}
	return g
}

// Handler returns the tool-pipeline hook.
func (g *Guard) Handler() ToolHandler {
	return func(ctx context.Context, tc *ToolContext) error {
		if !g.isWriteTool(tc.Name) {
			return nil
		}
		path := g.targetPath(tc.EffectiveArgs())
		if path == "" || !g.isSourcePath(path) {
			return nil
		}

		branch := g.currentBranch(ctx)
		if branch == "" {
			return nil
		}
		for _, protected := range g.ProtectedBranches {
			if branch == protected {
				slog.Warn("middleware.guard.vetoed",
					"tool", tc.Name, "path", path, "branch", branch)
				tc.Vetoed = true
				tc.Result = map[string]any{
					"error": fmt.Sprintf("write to %s blocked: branch %q is protected", path, branch),
				}
				return nil
			}
		}
		return nil
	}
}

func (g *Guard) isWriteTool(name string) bool {
	for _, w := range g.WriteTools {
		if name == w {
			return true
		}
	}
	return false
}

func (g *Guard) targetPath(args map[string]any) string {
	for _, key := range g.PathArgs {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (g *Guard) isSourcePath(path string) bool {
	if len(g.SourcePrefixes) == 0 {
		return false
	}
	for _, prefix := range g.SourcePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *Guard) currentBranch(ctx context.Context) string {
	result := g.Caller.Call(ctx, g.BranchTool, nil)
	switch v := result.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if branch, ok := v["branch"].(string); ok {
			return strings.TrimSpace(branch)
		}
	}
	return ""
}
