package catalog

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/nugget/mcplink/internal/mcp"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ServerOptions control how a server's tool definitions become catalog
// entries.
type ServerOptions struct {
	// Category applies to every tool from the server. Defaults to a
	// category named after the server.
	Category Category

	// Tags are attached to every tool from the server.
	Tags []string

	// Include and Exclude filter tools by their MCP names:
	//   - If Include is non-empty, only tools named in it are kept.
	//   - Otherwise tools named in Exclude are skipped.
	Include []string
	Exclude []string

	// Logger for per-tool diagnostics. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// FromDefinitions converts the tools/list result of serverID into
// catalog tools. IDs are namespaced as "mcp_{server}_{tool}" so tools
// from different servers never collide. Tools start available.
func FromDefinitions(serverID string, defs []mcp.ToolDefinition, opts ServerOptions) []*Tool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	category := opts.Category
	if category.ID == "" {
		category.ID = sanitize(serverID)
	}
	if category.Name == "" {
		category.Name = serverID
	}

	includeSet := toSet(opts.Include)
	excludeSet := toSet(opts.Exclude)

	out := make([]*Tool, 0, len(defs))
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		id := ToolID(serverID, td.Name)
		out = append(out, &Tool{
			ID:          id,
			Name:        td.Name,
			Description: td.Description,
			Tags:        slices.Clone(opts.Tags),
			Category:    category,
			Source:      Source{ID: serverID, Type: SourceExternal},
			InputSchema: td.InputSchema,
			available:   true,
			perf:        Performance{SuccessRate: 100, Trend: TrendStable},
		})

		logger.Debug("cataloged MCP tool",
			"mcp_name", td.Name,
			"tool_id", id,
			"server", serverID,
		)
	}
	return out
}

// ToolID generates a namespaced tool id from an MCP server name and
// tool name. Both components are sanitized to contain only lowercase
// alphanumeric characters and underscores.
func ToolID(serverName, mcpToolName string) string {
	server := sanitize(serverName)
	tool := sanitize(mcpToolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	// Collapse consecutive underscores.
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
