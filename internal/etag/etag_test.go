package etag

import (
	"strings"
	"testing"
	"time"

	"github.com/nlstn/go-formula/internal/runs"
)

func strPtr(s string) *string { return &s }

func testRun() *runs.Run {
	return &runs.Run{
		ID:        "5d1c9a0e-0000-4000-8000-000000000001",
		Status:    runs.StatusPending,
		UpdatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Steps: []runs.Step{
			{Index: 1, Expression: "FLOOR(b)"},
			{Index: 2, Expression: "a + FLOOR(b)"},
		},
	}
}

func TestForRun(t *testing.T) {
	run := testRun()
	tag := ForRun(run)

	if !strings.HasPrefix(tag, `W/"`) || !strings.HasSuffix(tag, `"`) {
		t.Fatalf("ForRun() = %q, want weak ETag format", tag)
	}
	if again := ForRun(testRun()); again != tag {
		t.Errorf("ForRun() not stable: %q != %q", again, tag)
	}
	if got := ForRun(nil); got != "" {
		t.Errorf("ForRun(nil) = %q, want empty", got)
	}
}

func TestForRun_ChangesWithState(t *testing.T) {
	base := ForRun(testRun())

	tests := []struct {
		name   string
		mutate func(*runs.Run)
	}{
		{"status", func(r *runs.Run) { r.Status = runs.StatusCompleted }},
		{"updated", func(r *runs.Run) { r.UpdatedAt = r.UpdatedAt.Add(time.Millisecond) }},
		{"step value", func(r *runs.Run) { r.Steps[1].Value = strPtr("3") }},
		{"empty step value", func(r *runs.Run) { r.Steps[0].Value = strPtr("") }},
		{"error", func(r *runs.Run) { r.Error = "boom" }},
		{"fallback", func(r *runs.Run) { r.Fallback = "debug" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := testRun()
			tt.mutate(run)
			if got := ForRun(run); got == base {
				t.Errorf("ForRun() did not change after %s changed", tt.name)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "Weak ETag",
			input: "W/\"abc123\"",
			want:  "abc123",
		},
		{
			name:  "Strong ETag",
			input: "\"abc123\"",
			want:  "abc123",
		},
		{
			name:  "Empty string",
			input: "",
			want:  "",
		},
		{
			name:  "No quotes",
			input: "abc123",
			want:  "abc123",
		},
		{
			name:  "Surrounding space",
			input: "  W/\"abc123\" ",
			want:  "abc123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.input)
			if got != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNoneMatch(t *testing.T) {
	tests := []struct {
		name        string
		ifNoneMatch string
		currentETag string
		want        bool
	}{
		{
			name:        "ETags match",
			ifNoneMatch: "W/\"abc123\"",
			currentETag: "W/\"abc123\"",
			want:        false,
		},
		{
			name:        "ETags differ",
			ifNoneMatch: "W/\"abc123\"",
			currentETag: "W/\"def456\"",
			want:        true,
		},
		{
			name:        "Strong and weak ETags match",
			ifNoneMatch: "\"abc123\"",
			currentETag: "W/\"abc123\"",
			want:        false,
		},
		{
			name:        "Match inside list",
			ifNoneMatch: "W/\"zzz\", W/\"abc123\"",
			currentETag: "W/\"abc123\"",
			want:        false,
		},
		{
			name:        "Empty If-None-Match",
			ifNoneMatch: "",
			currentETag: "W/\"abc123\"",
			want:        true,
		},
		{
			name:        "Wildcard with existing run",
			ifNoneMatch: "*",
			currentETag: "W/\"abc123\"",
			want:        false,
		},
		{
			name:        "Wildcard without run",
			ifNoneMatch: "*",
			currentETag: "",
			want:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NoneMatch(tt.ifNoneMatch, tt.currentETag)
			if got != tt.want {
				t.Errorf("NoneMatch(%q, %q) = %v, want %v", tt.ifNoneMatch, tt.currentETag, got, tt.want)
			}
		})
	}
}
