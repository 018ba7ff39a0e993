package provider

import "strings"

// DefaultContextWindow is assumed for models no registry entry matches.
const DefaultContextWindow = 32768

// windowRegistry maps model-name prefixes to context sizes. Longest matching
// prefix wins; an explicit config override supersedes the registry entirely.
var windowRegistry = []struct {
	prefix string
	window int
}{
	{"gpt-4o", 128000},
	{"gpt-4.1", 1047576},
	{"gpt-4-turbo", 128000},
	{"gpt-4", 8192},
	{"gpt-3.5", 16385},
	{"o1", 200000},
	{"o3", 200000},
	{"o4", 200000},
	{"claude", 200000},
	{"gemini-1.5-pro", 2097152},
	{"gemini", 1048576},
	{"llama-3.1", 131072},
	{"llama-3", 8192},
	{"deepseek", 65536},
	{"qwen", 131072},
	{"mistral", 128000},
	{"mixtral", 32768},
}

// ContextWindowFor resolves a model name against the registry.
func ContextWindowFor(model string) int {
	model = strings.ToLower(model)
	best := 0
	window := DefaultContextWindow
	for _, entry := range windowRegistry {
		if strings.HasPrefix(model, entry.prefix) && len(entry.prefix) > best {
			best = len(entry.prefix)
			window = entry.window
		}
	}
	return window
}
