package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or
// underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ToolName builds the fleet-facing name for an MCP tool:
// mcp__<server>__<tool>. Both components are sanitized to lowercase
// alphanumerics and single underscores, so the double underscore only
// ever appears as the separator.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp__%s__%s", sanitizeComponent(serverName), sanitizeComponent(mcpToolName))
}

// sanitizeComponent lowercases a name, replaces anything outside
// [a-z0-9_] with underscores, collapses underscore runs, and trims the
// ends.
func sanitizeComponent(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}
