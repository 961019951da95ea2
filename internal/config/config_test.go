package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadSimpleSteps(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "visor.yaml", `
version: 1
max_parallelism: 4
steps:
  fetch:
    type: http_client
    url: "https://example.com"
  review:
    type: command
    exec: "echo hi"
    depends_on: [fetch]
`)
	resolved, warnings, err := Load(context.Background(), path, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}
	if resolved.Engine.MaxParallelism != 4 {
		t.Fatalf("expected MaxParallelism 4, got %d", resolved.Engine.MaxParallelism)
	}
	if len(resolved.Engine.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(resolved.Engine.Steps))
	}
	review, ok := resolved.Engine.Steps["review"]
	if !ok {
		t.Fatalf("missing review step")
	}
	if len(review.DependsOn) != 1 || review.DependsOn[0] != "fetch" {
		t.Fatalf("expected review to depend_on [fetch], got %+v", review.DependsOn)
	}
}

func TestLoadChecksAliasesToSteps(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "visor.yaml", `
checks:
  lint:
    type: command
    exec: "echo lint"
`)
	resolved, _, err := Load(context.Background(), path, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := resolved.Engine.Steps["lint"]; !ok {
		t.Fatalf("expected checks.lint to be normalized into steps")
	}
}

func TestLoadStepsWinsOverChecksOnCollision(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "visor.yaml", `
steps:
  lint:
    type: command
    exec: "from steps"
checks:
  lint:
    type: command
    exec: "from checks"
`)
	resolved, _, err := Load(context.Background(), path, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if resolved.Engine.Steps["lint"].Exec != "from steps" {
		t.Fatalf("expected steps to win on collision, got %q", resolved.Engine.Steps["lint"].Exec)
	}
}

func TestLoadExtendsLocalChain(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
max_parallelism: 2
steps:
  a:
    type: command
    exec: "echo a"
`)
	path := writeFile(t, dir, "child.yaml", `
extends: base.yaml
max_parallelism: 8
steps:
  b:
    type: command
    exec: "echo b"
    depends_on: [a]
`)
	resolved, _, err := Load(context.Background(), path, LoadOptions{BaseDir: dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if resolved.Engine.MaxParallelism != 8 {
		t.Fatalf("expected child to override max_parallelism, got %d", resolved.Engine.MaxParallelism)
	}
	if len(resolved.Engine.Steps) != 2 {
		t.Fatalf("expected both base and child steps present, got %d", len(resolved.Engine.Steps))
	}
}

func TestLoadExtendsCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "extends: b.yaml\nsteps: {}\n")
	path := writeFile(t, dir, "b.yaml", "extends: a.yaml\nsteps: {}\n")

	_, _, err := Load(context.Background(), path, LoadOptions{BaseDir: dir})
	if err == nil {
		t.Fatalf("expected circular extends error")
	}
}

func TestLoadExtendsPathTraversalRejected(t *testing.T) {
	outside := t.TempDir()
	writeFile(t, outside, "secret.yaml", "steps: {}\n")

	dir := t.TempDir()
	path := writeFile(t, dir, "child.yaml", "extends: "+filepath.Join(outside, "secret.yaml")+"\nsteps: {}\n")

	_, _, err := Load(context.Background(), path, LoadOptions{BaseDir: dir})
	if err == nil {
		t.Fatalf("expected path-traversal rejection")
	}
}

func TestLoadRemoteExtendsOverHTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("max_parallelism: 3\nsteps:\n  remote_step:\n    type: command\n    exec: echo remote\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeFile(t, dir, "child.yaml", "extends: "+srv.URL+"\nsteps: {}\n")

	resolved, _, err := Load(context.Background(), path, LoadOptions{
		BaseDir:    dir,
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := resolved.Engine.Steps["remote_step"]; !ok {
		t.Fatalf("expected remote_step from https extends to be merged in")
	}
}

func TestFetchRemoteRejectsPlainHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("steps: {}\n"))
	}))
	defer srv.Close()

	_, err := fetchRemote(context.Background(), srv.URL, LoadOptions{})
	if err == nil {
		t.Fatalf("expected plain http:// to be rejected")
	}
}

func TestFetchRemoteDisabled(t *testing.T) {
	_, err := fetchRemote(context.Background(), "https://example.com/visor.yaml", LoadOptions{DisableRemoteExtends: true})
	if err == nil {
		t.Fatalf("expected disabled remote extends to error")
	}
}

func TestFetchRemoteHostAllowlist(t *testing.T) {
	_, err := fetchRemote(context.Background(), "https://evil.example.com/visor.yaml", LoadOptions{AllowedHosts: []string{"good.example.com"}})
	if err == nil {
		t.Fatalf("expected disallowed host to be rejected")
	}
}

func TestSemanticOnFinishRequiresForEach(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "visor.yaml", `
steps:
  a:
    type: command
    exec: "echo a"
    on_finish:
      goto: b
  b:
    type: command
    exec: "echo b"
`)
	_, _, err := Load(context.Background(), path, LoadOptions{})
	if err == nil {
		t.Fatalf("expected on_finish without for_each to be rejected")
	}
}

func TestSemanticCriticalityRequiresContractPair(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "visor.yaml", `
steps:
  a:
    type: command
    exec: "echo a"
    criticality: external
`)
	_, _, err := Load(context.Background(), path, LoadOptions{})
	if err == nil {
		t.Fatalf("expected criticality without assume/schema pair to be rejected")
	}
}

func TestSemanticUnknownDependsOnRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "visor.yaml", `
steps:
  a:
    type: command
    exec: "echo a"
    depends_on: [missing]
`)
	_, _, err := Load(context.Background(), path, LoadOptions{})
	if err == nil {
		t.Fatalf("expected unknown depends_on reference to be rejected")
	}
}

func TestUnknownTopLevelKeyWarns(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "visor.yaml", `
steps:
  a:
    type: command
    exec: "echo a"
mystery_key: true
`)
	_, warnings, err := Load(context.Background(), path, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	found := false
	for _, w := range warnings {
		if w.Path == "mystery_key" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a warning for mystery_key, got %+v", warnings)
	}
}

func TestParseYAMLDocHelper(t *testing.T) {
	doc, err := parseYAMLDoc([]byte("a: 1\nb: two\n"))
	if err != nil {
		t.Fatalf("parseYAMLDoc: %v", err)
	}
	if doc["b"] != "two" {
		t.Fatalf("expected b=two, got %+v", doc)
	}
}
