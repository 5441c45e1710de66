package agent

import (
	"testing"

	"github.com/neurovisor/control-plane/internal/model"
)

func TestResolveToolCallsPrefersNative(t *testing.T) {
	native := []model.ToolCall{{Language: "python", Code: "print(1)"}}
	calls, extra := resolveToolCalls(`{"language":"bash","code":"ls"}`, native)
	if len(calls) != 1 || calls[0].Language != "python" {
		t.Fatalf("calls = %+v, want native python call preserved", calls)
	}
	if extra != 0 {
		t.Errorf("extra = %d, want 0", extra)
	}
}

func TestResolveToolCallsFallsBackToEmbeddedJSON(t *testing.T) {
	calls, extra := resolveToolCalls(`sure, here: {"language":"bash","code":"ls /tmp"}`, nil)
	if len(calls) != 1 {
		t.Fatalf("calls = %+v, want one parsed from text", calls)
	}
	if calls[0].Language != "bash" || calls[0].Code != "ls /tmp" {
		t.Errorf("calls[0] = %+v, want bash/ls /tmp", calls[0])
	}
	if extra != 0 {
		t.Errorf("extra = %d, want 0", extra)
	}
}

func TestResolveToolCallsAcceptsOnlyFirstEmbedded(t *testing.T) {
	text := `{"language":"bash","code":"ls"} and also {"language":"python","code":"print(1)"}`
	calls, extra := resolveToolCalls(text, nil)
	if len(calls) != 1 || calls[0].Language != "bash" {
		t.Fatalf("calls = %+v, want only the first (bash) accepted", calls)
	}
	if extra != 1 {
		t.Errorf("extra = %d, want 1", extra)
	}
}

func TestResolveToolCallsNoMatchReturnsNone(t *testing.T) {
	calls, extra := resolveToolCalls("just a plain answer, no tool call here", nil)
	if len(calls) != 0 || extra != 0 {
		t.Errorf("calls = %+v, extra = %d, want none", calls, extra)
	}
}

func TestResolveToolCallsIgnoresUnrelatedJSON(t *testing.T) {
	calls, extra := resolveToolCalls(`here's some data: {"foo":"bar"}`, nil)
	if len(calls) != 0 || extra != 0 {
		t.Errorf("calls = %+v, extra = %d, want none (missing required fields)", calls, extra)
	}
}
