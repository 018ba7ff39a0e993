package provider

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentfoundry/proactor/internal/mcp"
)

func aggregated(names ...string) []mcp.AggregatedTool {
	out := make([]mcp.AggregatedTool, len(names))
	for i, n := range names {
		out[i] = mcp.AggregatedTool{Server: "test", Tool: mcpgo.Tool{Name: n}}
	}
	return out
}

func TestSanitizeToolName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"search", "search"},
		{"fs.read_file", "fs_read_file"},
		{"vcs/commit", "vcs_commit"},
		{"weird name!", "weird_name_"},
		{"", "tool"},
		{"日本語", "___"},
	}
	for _, tt := range tests {
		if got := SanitizeToolName(tt.in); got != tt.want {
			t.Errorf("SanitizeToolName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrepareToolsCollisions(t *testing.T) {
	defs, nameMap := PrepareTools(aggregated("fs.read", "fs/read", "fs read"))
	if len(defs) != 3 {
		t.Fatalf("len(defs) = %d", len(defs))
	}

	seen := map[string]bool{}
	for _, d := range defs {
		if seen[d.Name] {
			t.Errorf("duplicate sanitized name %q", d.Name)
		}
		seen[d.Name] = true
	}

	// All three originals must be reachable through the map.
	originals := map[string]bool{}
	for _, orig := range nameMap {
		originals[orig] = true
	}
	for _, want := range []string{"fs.read", "fs/read", "fs read"} {
		if !originals[want] {
			t.Errorf("original %q lost in name map", want)
		}
	}
}

func TestNameMapRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	nameGen := gen.RegexMatch(`[a-z][a-z0-9_./ -]{0,20}`)

	properties.Property("every original resolves through exactly one sanitized name", prop.ForAll(
		func(names []string) bool {
			// De-duplicate: fleets never advertise the same name twice.
			uniq := map[string]bool{}
			var distinct []string
			for _, n := range names {
				if !uniq[n] {
					uniq[n] = true
					distinct = append(distinct, n)
				}
			}

			defs, nameMap := PrepareTools(aggregated(distinct...))
			if len(defs) != len(distinct) || len(nameMap) != len(distinct) {
				return false
			}

			recovered := map[string]bool{}
			for _, d := range defs {
				orig := nameMap.Original(d.Name)
				if recovered[orig] {
					return false
				}
				recovered[orig] = true
			}
			for _, n := range distinct {
				if !recovered[n] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(nameGen),
	))

	properties.TestingRun(t)
}

func TestNameMapUnknownPassthrough(t *testing.T) {
	_, nameMap := PrepareTools(aggregated("search"))
	if got := nameMap.Original("hallucinated_tool"); got != "hallucinated_tool" {
		t.Errorf("got %q", got)
	}
}
