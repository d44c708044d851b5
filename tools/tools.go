package tools

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/protocol"
	"github.com/m4xw311/parley/tools/mcp"
)

// Tool defines the interface for any action the agent can take. Kind
// classifies the tool for clients rendering its calls.
type Tool interface {
	Name() string
	Description() string
	Kind() protocol.ToolKind
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ToolRegistry holds all available tools. MCP tools are indexed twice: by
// short name alongside the builtins, and per server for qualified lookups.
type ToolRegistry struct {
	tools       map[string]Tool
	serverTools map[string]map[string]Tool
	mcpClients  map[string]*mcp.MCPClient
}

// NewToolRegistry builds the registry: the builtin tools plus every tool of
// every MCP server the config lists. A server that fails to start is skipped
// with a warning on stderr; the rest of the registry still comes up.
func NewToolRegistry(cfg *config.Config) *ToolRegistry {
	r := &ToolRegistry{
		tools:       make(map[string]Tool),
		serverTools: make(map[string]map[string]Tool),
		mcpClients:  make(map[string]*mcp.MCPClient),
	}

	// Register default tools
	r.Register(&ReadFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ReadDirTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands})
	r.Register(&FetchURLTool{allowedURLs: cfg.AllowedURLs})

	for _, mcpServer := range cfg.AdditionalMCPServers {
		client, err := mcp.NewMCPClient(mcpServer.Name, mcpServer.Command, mcpServer.Args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not start MCP server '%s': %v\n", mcpServer.Name, err)
			continue
		}
		r.mcpClients[mcpServer.Name] = client
		for _, t := range client.Tools() {
			r.RegisterServerTool(mcpServer.Name, t)
		}
	}

	return r
}

func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// RegisterServerTool registers an MCP server's tool under its short name and
// under the server's qualified namespace.
func (r *ToolRegistry) RegisterServerTool(server string, t Tool) {
	r.Register(t)
	if r.serverTools[server] == nil {
		r.serverTools[server] = make(map[string]Tool)
	}
	r.serverTools[server][t.Name()] = t
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// AllTools returns every registered tool ordered by name.
func (r *ToolRegistry) AllTools() []Tool {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// GetActiveTools returns the tool instances for a given toolset. MCP tools
// are addressed as "<server>.<tool>"; "<server>.*" selects everything the
// server provides, ordered by name.
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	var activeTools []Tool
	for _, toolName := range ts.Tools {
		if server, rest, found := strings.Cut(toolName, "."); found && r.serverTools[server] != nil {
			provided := r.serverTools[server]
			if rest == "*" {
				names := make([]string, 0, len(provided))
				for name := range provided {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					activeTools = append(activeTools, provided[name])
				}
				continue
			}
			t, ok := provided[rest]
			if !ok {
				return nil, errors.New("tool '%s' is not provided by MCP server '%s'", rest, server)
			}
			activeTools = append(activeTools, t)
			continue
		}

		if t, ok := r.GetTool(toolName); ok {
			activeTools = append(activeTools, t)
		} else {
			return nil, errors.New("tool '%s' from toolset '%s' is not registered", toolName, ts.Name)
		}
	}
	return activeTools, nil
}

// Close stops every MCP server subprocess.
func (r *ToolRegistry) Close() {
	for _, client := range r.mcpClients {
		if err := client.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not stop MCP server '%s': %v\n", client.Name, err)
		}
	}
}

// IsPathRestricted checks if a path matches any of the glob patterns.
func IsPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.New("invalid glob pattern '%s': %v", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string) (bool, error) {
	cmdParts := strings.Fields(command)
	if len(cmdParts) == 0 {
		return false, nil
	}

	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Invalid regex in allowed_commands '%s': %v\n", pattern, err)
			// Fallback to simple string comparison if regex is invalid
			if command == pattern {
				return true, nil
			}
			continue
		}
		if re.MatchString(command) {
			return true, nil
		}
	}
	return false, nil
}

// isURLAllowed checks a URL against the allowlist glob patterns, e.g.
// "https://api.example.com/**".
func isURLAllowed(url string, allowed []string) (bool, error) {
	for _, pattern := range allowed {
		match, err := doublestar.Match(pattern, url)
		if err != nil {
			return false, errors.New("invalid glob pattern '%s': %v", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}
