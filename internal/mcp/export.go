package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ExportCatalog flattens an aggregated catalog into the
// {name, description, inputSchema} list handed to a model. When two
// servers advertise the same name the first one wins, matching how an
// unqualified CallTool routes. Names in exclude are dropped.
func ExportCatalog(tools []ServerTool, exclude []string) []ToolDescriptor {
	excludeSet := toSet(exclude)
	seen := make(map[string]bool, len(tools))

	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if excludeSet[t.Name] || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		out = append(out, t.ToolDescriptor)
	}
	return out
}

// Shadowed returns tools hidden by an earlier server advertising the
// same name. Unqualified calls never reach them.
func Shadowed(tools []ServerTool) []ServerTool {
	owner := make(map[string]string, len(tools))
	var out []ServerTool
	for _, t := range tools {
		if _, ok := owner[t.Name]; ok {
			out = append(out, t)
			continue
		}
		owner[t.Name] = t.Server
	}
	return out
}

// ToolName builds a globally unique name from a server and tool name,
// "mcp_{server}_{tool}", with both parts sanitized to lowercase
// alphanumerics and underscores.
func ToolName(serverName, toolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(toolName))
}

// sanitize lowercases name, replaces anything other than [a-z0-9_] with
// an underscore, collapses runs of underscores and trims them from both
// ends.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

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
