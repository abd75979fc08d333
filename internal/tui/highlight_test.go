package tui

import (
	"strings"
	"testing"
)

func TestHighlight(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		language string
		contains []string // strings that should survive highlighting
	}{
		{
			name:     "YAML document",
			code:     "allocator:\n  backend: heap\n  alignment: 64\n",
			language: "yaml",
			contains: []string{"allocator", "backend", "heap", "64"},
		},
		{
			name:     "Go code",
			code:     "package main\nfunc main() {}",
			language: "go",
			contains: []string{"package", "main", "func"},
		},
		{
			name:     "Unknown language",
			code:     "some text",
			language: "unknown",
			contains: []string{"some text"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := StripANSI(Highlight(tt.code, tt.language))
			for _, expected := range tt.contains {
				if !strings.Contains(result, expected) {
					t.Errorf("Expected output to contain %q, got %q", expected, result)
				}
			}
		})
	}
}

func TestHighlightYAMLKeepsText(t *testing.T) {
	doc := "dump:\n  dir: /tmp/dump\n  frame_count: 3"
	if got := strings.TrimSpace(StripANSI(HighlightYAML(doc))); got != doc {
		t.Errorf("Expected %q after stripping colors, got %q", doc, got)
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "ANSI color codes",
			input:    "\x1b[31mRed\x1b[0m text",
			expected: "Red text",
		},
		{
			name:     "No ANSI codes",
			input:    "Plain text",
			expected: "Plain text",
		},
		{
			name:     "Multiple ANSI codes",
			input:    "\x1b[1m\x1b[31mBold Red\x1b[0m\x1b[0m",
			expected: "Bold Red",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := StripANSI(tt.input)
			if result != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, result)
			}
		})
	}
}
