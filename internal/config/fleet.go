package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/titanous/json5"
)

// ToolServerConfig configures a single external tool-server connection.
type ToolServerConfig struct {
	Command     string            `json:"command,omitempty"`     // stdio: command to spawn
	Args        []string          `json:"args,omitempty"`        // stdio: command arguments
	Env         map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL         string            `json:"url,omitempty"`         // sse/http: server URL
	Type        string            `json:"type,omitempty"`        // "stdio" (default with command), "sse", "streamable-http"
	Headers     map[string]string `json:"headers,omitempty"`     // sse/http: extra HTTP headers
	BearerToken string            `json:"bearerToken,omitempty"` // sse/http: Authorization bearer
	Description string            `json:"description,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"` // default true
	TimeoutSec  int               `json:"timeout_sec,omitempty"`
}

// IsEnabled returns whether this tool server is enabled (default true).
func (c *ToolServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// IsStdio reports whether this entry spawns a local process.
func (c *ToolServerConfig) IsStdio() bool {
	return c.Command != "" && c.URL == ""
}

// toolFleetFile accepts both root keys seen in the wild.
type toolFleetFile struct {
	MCPServers map[string]*ToolServerConfig `json:"mcpServers,omitempty"`
	Servers    map[string]*ToolServerConfig `json:"servers,omitempty"`
}

// fleetSearchPaths lists the locations tried in order when no explicit path
// is configured.
func fleetSearchPaths() []string {
	paths := []string{
		"mcp_servers.json",
		filepath.Join("config", "mcp_servers.json"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".proactor", "mcp_servers.json"))
	}
	return paths
}

// LoadToolFleet reads the tool-server JSON. An empty path searches the fixed
// location list; a missing file yields an empty fleet. Every string value is
// environment-interpolated at load time.
func LoadToolFleet(path string) (map[string]*ToolServerConfig, error) {
	if path == "" {
		for _, candidate := range fleetSearchPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return map[string]*ToolServerConfig{}, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*ToolServerConfig{}, nil
		}
		return nil, fmt.Errorf("read tool config: %w", err)
	}

	var file toolFleetFile
	if err := json5.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool config %s: %w", path, err)
	}

	servers := file.MCPServers
	if len(servers) == 0 {
		servers = file.Servers
	}
	if servers == nil {
		servers = map[string]*ToolServerConfig{}
	}

	for name, sc := range servers {
		if sc == nil {
			delete(servers, name)
			continue
		}
		interpolateServer(sc)
	}
	return servers, nil
}

// envRef matches ${VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Interpolate substitutes ${VAR} and ${VAR:-default} references in s. An
// unset variable without a default substitutes the empty string.
func Interpolate(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		groups := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[2]
	})
}

func interpolateServer(sc *ToolServerConfig) {
	sc.Command = Interpolate(sc.Command)
	sc.URL = Interpolate(sc.URL)
	sc.BearerToken = Interpolate(sc.BearerToken)
	for i, a := range sc.Args {
		sc.Args[i] = Interpolate(a)
	}
	for k, v := range sc.Env {
		sc.Env[k] = Interpolate(v)
	}
	for k, v := range sc.Headers {
		sc.Headers[k] = Interpolate(v)
	}
}
