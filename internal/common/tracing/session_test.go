package tracing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{name: "under limit", input: "short", maxLen: 10, expected: "short"},
		{name: "at limit", input: "exact", maxLen: 5, expected: "exact"},
		{name: "over limit", input: "this is a long string", maxLen: 10, expected: "this is a ...(truncated)"},
		{name: "empty", input: "", maxLen: 10, expected: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncate(tt.input, tt.maxLen))
		})
	}
}

func TestExporterEndpoint(t *testing.T) {
	tests := []struct {
		raw          string
		wantHost     string
		wantInsecure bool
		wantOK       bool
	}{
		{raw: "", wantOK: false},
		{raw: "http://collector:4318", wantHost: "collector:4318", wantInsecure: true, wantOK: true},
		{raw: "https://collector:4318", wantHost: "collector:4318", wantInsecure: false, wantOK: true},
		{raw: "collector:4318", wantHost: "collector:4318", wantInsecure: true, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			host, insecure, ok := exporterEndpoint(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantInsecure, insecure)
		})
	}
}

func TestSamplerFromEnv(t *testing.T) {
	assert.Contains(t, samplerFromEnv("").Description(), "AlwaysOnSampler")
	assert.Contains(t, samplerFromEnv("0.25").Description(), "TraceIDRatioBased{0.25}")
	assert.Contains(t, samplerFromEnv("7").Description(), "AlwaysOnSampler")
}

func TestSpansAreSafeWithoutExporter(t *testing.T) {
	ctx := context.Background()

	_, span := TraceConnect(ctx, "sess-1", "ws://localhost/sessions/sess-1/ws", 1)
	span.End()

	TraceFrame(ctx, "sess-1", "content_updated", []byte(strings.Repeat("x", maxAttrValueLen+10)))

	_, span = TracePoll(ctx, "sess-1")
	span.End()

	_, span = TraceHTTPRequest(ctx, "GET", "/sessions/sess-1")
	TraceHTTPResponse(span, 404, nil)
	span.End()

	_, span = TraceHTTPRequest(ctx, "POST", "/sessions/sess-1/message")
	TraceHTTPResponse(span, 0, errors.New("connection refused"))
	span.End()

	assert.NoError(t, Shutdown(ctx))
}
