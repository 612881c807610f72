package mqtt

import "testing"

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"stt/final", "stt/final", true},
		{"stt/final", "stt/partial", false},
		{"stt/final", "stt/final/extra", false},

		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/b/c", false},
		{"a/+/c", "a/c", false},
		{"+/final", "stt/final", true},
		{"+", "stt", true},
		{"+", "stt/final", false},

		{"a/#", "a", true},
		{"a/#", "a/b", true},
		{"a/#", "a/b/c", true},
		{"a/#", "b", false},
		{"#", "anything/at/all", true},
		{"#", "x", true},

		{"system/health/+", "system/health/tars-stt", true},
		{"system/health/+", "system/health/tars-stt/extra", false},
		{"system/#", "system/health/tars-stt", true},

		// `#` must be the last level to match anything.
		{"a/#/c", "a/b/c", false},
	}
	for _, tt := range tests {
		if got := TopicMatches(tt.filter, tt.topic); got != tt.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}
