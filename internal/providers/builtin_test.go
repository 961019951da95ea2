package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMemoryProviderSetGet(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	_, err := p.Execute(ctx, Input{StepName: "s"}, StepConfig{Extra: map[string]any{"op": "set", "key": "a", "value": 42.0}}, nil)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	res, err := p.Execute(ctx, Input{StepName: "s"}, StepConfig{Extra: map[string]any{"op": "get", "key": "a"}}, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	out := res.Output.(map[string]any)
	if out["value"] != 42.0 {
		t.Fatalf("expected stored value 42, got %v", out["value"])
	}
}

func TestCommandProviderSuccess(t *testing.T) {
	p := CommandProvider{}
	res, err := p.Execute(context.Background(), Input{}, StepConfig{Exec: "echo hello"}, nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Content != "hello\n" {
		t.Fatalf("expected stdout 'hello\\n', got %q", res.Content)
	}
}

func TestCommandProviderFailureSurfacesIssue(t *testing.T) {
	p := CommandProvider{}
	res, err := p.Execute(context.Background(), Input{}, StepConfig{Exec: "exit 1"}, nil)
	if err == nil {
		t.Fatalf("expected non-zero exit to return an error")
	}
	if len(res.Issues) != 1 || res.Issues[0].RuleID != "command/exec_failed" {
		t.Fatalf("expected exec_failed issue, got %+v", res.Issues)
	}
}

func TestHTTPProviderPostsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := HTTPProvider{}
	res, err := p.Execute(context.Background(), Input{Payload: map[string]any{"k": "v"}}, StepConfig{URL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.Output.(map[string]any)
	if out["status"] != http.StatusAccepted {
		t.Fatalf("expected status 202, got %v", out["status"])
	}
}

func TestHumanInputProviderResolves(t *testing.T) {
	var askedID string
	p := NewHumanInputProvider(func(requestID string, in Input) { askedID = requestID })

	resultCh := make(chan Result, 1)
	go func() {
		res, _ := p.Execute(context.Background(), Input{StepName: "approve", ScopeID: "root"}, StepConfig{}, nil)
		resultCh <- res
	}()

	deadline := time.After(time.Second)
	for askedID == "" {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for OnAsk callback")
		case <-time.After(time.Millisecond):
		}
	}

	if !p.Resolve(askedID, Result{Output: "approved"}) {
		t.Fatalf("expected resolve to find pending request")
	}

	select {
	case res := <-resultCh:
		if res.Output != "approved" {
			t.Fatalf("expected resolved output 'approved', got %v", res.Output)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Execute to return")
	}
}
