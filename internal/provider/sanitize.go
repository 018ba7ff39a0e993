package provider

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/agentfoundry/proactor/internal/mcp"
)

// NameMap translates sanitized tool names back to their originals.
type NameMap map[string]string

// Original resolves a sanitized name; unknown names map to themselves so a
// model hallucinating an unbound tool still produces a lookupable string.
func (m NameMap) Original(sanitized string) string {
	if orig, ok := m[sanitized]; ok {
		return orig
	}
	return sanitized
}

var unsafeToolChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// PrepareTools sanitizes every tool name into the constrained alphabet the
// model accepts, collision-proofs with numeric suffixes, transforms each
// input schema into the provider dialect, and returns the round-trip map.
func PrepareTools(toolchain []mcp.AggregatedTool) ([]ToolDefinition, NameMap) {
	defs := make([]ToolDefinition, 0, len(toolchain))
	nameMap := NameMap{}

	for _, at := range toolchain {
		safe := SanitizeToolName(at.Tool.Name)
		if _, taken := nameMap[safe]; taken {
			for i := 2; ; i++ {
				candidate := fmt.Sprintf("%s_%d", safe, i)
				if _, taken := nameMap[candidate]; !taken {
					safe = candidate
					break
				}
			}
		}
		nameMap[safe] = at.Tool.Name

		defs = append(defs, ToolDefinition{
			Name:        safe,
			Description: at.Tool.Description,
			Parameters:  TransformSchema(schemaToMap(at.Tool.InputSchema)),
		})
	}
	return defs, nameMap
}

// SanitizeToolName maps a name into [a-zA-Z0-9_].
func SanitizeToolName(name string) string {
	safe := unsafeToolChars.ReplaceAllString(name, "_")
	if safe == "" {
		safe = "tool"
	}
	return safe
}

// schemaToMap flattens the typed mcp-go schema into the generic form the
// transformer works on.
func schemaToMap(schema any) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
