// Package apexlog extracts step results from remote debug logs.
//
// Each evaluated step writes one USER_DEBUG line of the form
//
//	...|USER_DEBUG|[n]|DEBUG|SFDBG|<runID>|<stepIndex>|<value>
//
// where the remote API may render the pipes inside the message as the HTML
// entity "&#124;".
package apexlog

import (
	"strconv"
	"strings"
)

const (
	userDebug   = "USER_DEBUG"
	debugMarker = "|DEBUG|"
	entityPipe  = "&#124;"
	markerName  = "SFDBG"
)

// Match is one step result found in a log.
type Match struct {
	RunID     string `json:"runId"`
	StepIndex int    `json:"stepIndex"`
	Value     string `json:"value"`
}

// Result holds the parsed matches and the text of the first USER_DEBUG line.
type Result struct {
	Matches []Match `json:"matches"`
	// Fallback is the message of the first USER_DEBUG line, used when no
	// markers are present. Empty when the log has no USER_DEBUG lines.
	Fallback string `json:"fallback,omitempty"`
}

// Values returns the matched values keyed by step index.
// A later line for the same index replaces an earlier one.
func (r Result) Values() map[int]string {
	out := make(map[int]string, len(r.Matches))
	for _, m := range r.Matches {
		out[m.StepIndex] = m.Value
	}
	return out
}

// Parse scans log for step markers. When runID is non-empty only markers
// from that run are returned.
func Parse(log, runID string) Result {
	var res Result
	fallbackSet := false

	for _, line := range strings.Split(log, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.Contains(line, userDebug) {
			continue
		}

		i := strings.Index(line, debugMarker)
		if i < 0 {
			continue
		}
		msg := line[i+len(debugMarker):]
		if !fallbackSet {
			res.Fallback = msg
			fallbackSet = true
		}

		m, ok := parseMarker(msg)
		if !ok {
			continue
		}
		if runID != "" && m.RunID != runID {
			continue
		}
		res.Matches = append(res.Matches, m)
	}
	return res
}

// parseMarker splits a marker payload into run id, step index and value.
// The value keeps any embedded separators.
func parseMarker(msg string) (Match, bool) {
	for _, sep := range []string{entityPipe, "|"} {
		marker := markerName + sep
		idx := strings.Index(msg, marker)
		if idx < 0 {
			continue
		}
		parts := strings.SplitN(msg[idx+len(marker):], sep, 3)
		if len(parts) < 2 {
			return Match{}, false
		}
		step, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return Match{}, false
		}
		m := Match{RunID: parts[0], StepIndex: step}
		if len(parts) == 3 {
			m.Value = parts[2]
		}
		return m, true
	}
	return Match{}, false
}
