package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kibble/kibble/internal/events"
	"github.com/kibble/kibble/internal/events/bus"
)

func TestParseInput(t *testing.T) {
	tests := []struct {
		line string
		want input
	}{
		{"fix the tests", input{text: "fix the tests"}},
		{"  /commit ", input{command: "commit", args: []string{}}},
		{"/Reject too broad", input{command: "reject", args: []string{"too", "broad"}}},
		{"/answer exp fixed", input{command: "answer", args: []string{"exp", "fixed"}}},
		{"/", input{text: "/"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, parseInput(tt.line))
		})
	}
}

func TestFormatEvent(t *testing.T) {
	e := bus.NewEvent(events.ToolStarted, "chat", map[string]interface{}{
		"session_id": "s1",
		"tool":       "Edit",
		"file":       "main.go",
	})
	assert.Equal(t, "[tool.started] file=main.go tool=Edit", formatEvent(e))
}

func TestReadLines(t *testing.T) {
	lines := make(chan string)
	go readLines(strings.NewReader("one\n\n  two  \n"), lines)

	var got []string
	for l := range lines {
		got = append(got, l)
	}
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "kibble dev")
}
