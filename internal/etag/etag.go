// Package etag derives entity tags for stored runs and evaluates
// If-None-Match preconditions against them.
package etag

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nlstn/go-formula/internal/runs"
)

// ForRun returns a weak ETag covering everything a client can observe
// about run: its status, error text, fallback and step values.
// A nil run has no ETag.
func ForRun(run *runs.Run) string {
	if run == nil {
		return ""
	}

	h := xxhash.New()
	write := func(s string) {
		_, _ = h.WriteString(s)
		_, _ = h.WriteString("\x00")
	}
	write(run.ID)
	write(string(run.Status))
	write(run.UpdatedAt.UTC().Format(time.RFC3339Nano))
	write(run.Error)
	write(run.Fallback)
	for _, step := range run.Steps {
		write(strconv.Itoa(step.Index))
		if step.Value == nil {
			write("-")
		} else {
			write("=" + *step.Value)
		}
	}

	return `W/"` + strconv.FormatUint(h.Sum64(), 16) + `"`
}

// Parse extracts the ETag value from a quoted ETag string
// Handles both strong ("value") and weak (W/"value") ETags
func Parse(etagHeader string) string {
	etagHeader = strings.TrimSpace(etagHeader)
	if etagHeader == "" {
		return ""
	}

	// Remove W/ prefix if present (weak ETag)
	if len(etagHeader) > 2 && etagHeader[:2] == "W/" {
		etagHeader = etagHeader[2:]
	}

	if len(etagHeader) >= 2 && etagHeader[0] == '"' && etagHeader[len(etagHeader)-1] == '"' {
		return etagHeader[1 : len(etagHeader)-1]
	}

	return etagHeader
}

// NoneMatch checks if the provided If-None-Match header value does NOT match the current ETag.
// It returns false when the client already holds the current representation,
// meaning the caller should answer 304 Not Modified.
// The header may list several comma separated tags; "*" matches any existing run.
func NoneMatch(ifNoneMatch string, currentETag string) bool {
	if strings.TrimSpace(ifNoneMatch) == "" {
		return true
	}
	if currentETag == "" {
		return true
	}

	current := Parse(currentETag)
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || Parse(candidate) == current {
			return false
		}
	}
	return true
}
