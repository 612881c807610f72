package mcp

import "testing"

func TestToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"builtin", "fetch", "mcp__builtin__fetch"},
		{"home-assistant", "get_entities", "mcp__home_assistant__get_entities"},
		{"github", "create_issue", "mcp__github__create_issue"},
		{"My Server", "Do Thing", "mcp__my_server__do_thing"},
		{"test", "UPPERCASE", "mcp__test__uppercase"},
		{"a--b", "c--d", "mcp__a_b__c_d"},
		{"special!@#", "chars$%^", "mcp__special__chars"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			got := ToolName(tt.server, tt.tool)
			if got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestSanitizeComponent(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"Hello-World", "hello_world"},
		{"a--b", "a_b"},
		{"_leading_", "leading"},
		{"special!chars", "special_chars"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeComponent(tt.input)
			if got != tt.want {
				t.Errorf("sanitizeComponent(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
