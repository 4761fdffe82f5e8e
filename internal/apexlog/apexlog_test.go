package apexlog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logLines(lines ...string) string {
	return strings.Join(lines, "\n")
}

func TestParse_EntityPipes(t *testing.T) {
	log := logLines(
		"62.0 APEX_CODE,DEBUG",
		"12:00:00.000 (0)|EXECUTION_STARTED",
		"12:00:00.001 (1)|USER_DEBUG|[4]|DEBUG|SFDBG&#124;run1&#124;1&#124;42",
		"12:00:00.002 (2)|USER_DEBUG|[9]|DEBUG|SFDBG&#124;run1&#124;2&#124;a&#124;b",
		"12:00:00.003 (3)|EXECUTION_FINISHED",
	)

	res := Parse(log, "run1")
	require.Len(t, res.Matches, 2)
	assert.Equal(t, Match{RunID: "run1", StepIndex: 1, Value: "42"}, res.Matches[0])
	assert.Equal(t, Match{RunID: "run1", StepIndex: 2, Value: "a&#124;b"}, res.Matches[1])
	assert.Equal(t, "SFDBG&#124;run1&#124;1&#124;42", res.Fallback)
	assert.Equal(t, map[int]string{1: "42", 2: "a&#124;b"}, res.Values())
}

func TestParse_LiteralPipes(t *testing.T) {
	log := "12:00:00.001 (1)|USER_DEBUG|[4]|DEBUG|SFDBG|run1|3|true\r\n"

	res := Parse(log, "")
	require.Len(t, res.Matches, 1)
	assert.Equal(t, Match{RunID: "run1", StepIndex: 3, Value: "true"}, res.Matches[0])
}

func TestParse_FiltersRunID(t *testing.T) {
	log := logLines(
		"|USER_DEBUG|[1]|DEBUG|SFDBG&#124;old&#124;1&#124;7",
		"|USER_DEBUG|[1]|DEBUG|SFDBG&#124;new&#124;1&#124;8",
	)

	res := Parse(log, "new")
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "8", res.Matches[0].Value)

	assert.Len(t, Parse(log, "").Matches, 2)
}

func TestParse_Fallback(t *testing.T) {
	log := logLines(
		"12:00:00.000 (0)|USER_DEBUG|[1]|DEBUG|hello world",
		"12:00:00.001 (1)|USER_DEBUG|[2]|DEBUG|second",
	)

	res := Parse(log, "run1")
	assert.Empty(t, res.Matches)
	assert.Equal(t, "hello world", res.Fallback)
}

func TestParse_SkipsMalformedMarkers(t *testing.T) {
	log := logLines(
		"|USER_DEBUG|[1]|DEBUG|SFDBG&#124;run1&#124;x&#124;1",
		"|USER_DEBUG|[1]|DEBUG|SFDBG&#124;run1",
		"|USER_DEBUG|[1]|DEBUG|SFDBG&#124;run1&#124;4",
		"SFDBG&#124;run1&#124;5&#124;not a debug line",
	)

	res := Parse(log, "run1")
	require.Len(t, res.Matches, 1)
	assert.Equal(t, Match{RunID: "run1", StepIndex: 4}, res.Matches[0])
}

func TestParse_Empty(t *testing.T) {
	res := Parse("", "")
	assert.Empty(t, res.Matches)
	assert.Empty(t, res.Fallback)
	assert.Empty(t, res.Values())
}
