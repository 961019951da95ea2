package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	maxExtendsDepth    = 10
	defaultHTTPTimeout = 30 * time.Second
	maxRemoteBodyBytes = 4 << 20 // 4 MiB guard on a fetched extends document
)

// LoadOptions controls how Load resolves extends/include chains. These
// are read once at the CLI edge from VISOR_* env vars and flags and
// passed down, per the §9 REDESIGN NOTE: the loader itself never reads
// the environment.
type LoadOptions struct {
	// BaseDir bounds local extends/include targets: a resolved path must
	// stay within BaseDir (path-traversal guard). Empty disables the
	// guard (single-file, no-includes usage).
	BaseDir string
	// AllowedHosts, if non-empty, is the only set of hostnames a remote
	// extends/include URL may target.
	AllowedHosts []string
	// DisableRemoteExtends rejects any https:// extends/include source
	// outright (VISOR_NO_REMOTE_EXTENDS).
	DisableRemoteExtends bool
	// HTTPClient overrides the default client (remote extends honor an
	// explicit abortable timeout per spec §5, default 30s).
	HTTPClient *http.Client
}

func (o LoadOptions) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// Load reads the config at path, resolves its extends/include chain,
// normalizes steps/checks, validates the merged document, and converts
// it into a Resolved configuration.
func Load(ctx context.Context, path string, opts LoadOptions) (*Resolved, []Warning, error) {
	merged, warnings, err := loadDocument(ctx, path, opts, 0, map[string]bool{})
	if err != nil {
		return nil, nil, err
	}

	normalizeStepsChecks(merged)

	schemaWarnings, err := validateSchema(merged)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, schemaWarnings...)
	warnings = append(warnings, unknownKeyWarnings(merged)...)

	resolved, err := convert(merged)
	if err != nil {
		return nil, nil, err
	}

	if err := validateSemantics(resolved.Engine); err != nil {
		return nil, nil, err
	}

	return resolved, warnings, nil
}

// loadDocument fetches and parses source, recursively resolving and
// merging its extends chain (parent first, child overrides), honoring
// max depth and a cycle guard keyed on the normalized source.
func loadDocument(ctx context.Context, source string, opts LoadOptions, depth int, visited map[string]bool) (map[string]any, []Warning, error) {
	if depth > maxExtendsDepth {
		return nil, nil, &ConfigError{Message: fmt.Sprintf("extends chain exceeds max depth %d at %q", maxExtendsDepth, source)}
	}

	norm := normalizeSource(source)
	if visited[norm] {
		return nil, nil, &ConfigError{Message: fmt.Sprintf("circular extends detected at %q", source)}
	}
	next := make(map[string]bool, len(visited)+1)
	for k := range visited {
		next[k] = true
	}
	next[norm] = true

	data, err := fetch(ctx, source, opts)
	if err != nil {
		return nil, nil, err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, &ConfigError{Path: source, Message: fmt.Sprintf("parse: %v", err)}
	}
	if doc == nil {
		doc = map[string]any{}
	}

	var warnings []Warning
	merged := map[string]any{}

	parents := collectParentSources(doc, "extends")
	parents = append(parents, collectParentSources(doc, "include")...)
	for _, parentRef := range parents {
		parentSource := resolveRelative(source, parentRef)
		parentDoc, w, err := loadDocument(ctx, parentSource, opts, depth+1, next)
		if err != nil {
			return nil, nil, err
		}
		merged = mergeDocs(merged, parentDoc)
		warnings = append(warnings, w...)
	}

	delete(doc, "extends")
	delete(doc, "include")
	merged = mergeDocs(merged, doc)
	return merged, warnings, nil
}

func collectParentSources(doc map[string]any, key string) []string {
	v, ok := doc[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "https://") || strings.HasPrefix(source, "http://")
}

func normalizeSource(source string) string {
	if isRemote(source) {
		return strings.ToLower(source)
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return source
	}
	return filepath.Clean(abs)
}

// resolveRelative resolves ref against the directory of source: a local
// ref stays local (joined with source's dir), a remote ref is used
// as-is.
func resolveRelative(source, ref string) string {
	if isRemote(ref) {
		return ref
	}
	if filepath.IsAbs(ref) {
		return ref
	}
	if isRemote(source) {
		return ref
	}
	return filepath.Join(filepath.Dir(source), ref)
}

func fetch(ctx context.Context, source string, opts LoadOptions) ([]byte, error) {
	if isRemote(source) {
		return fetchRemote(ctx, source, opts)
	}
	return fetchLocal(source, opts)
}

func fetchLocal(source string, opts LoadOptions) ([]byte, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, &ConfigError{Path: source, Message: fmt.Sprintf("resolve path: %v", err)}
	}
	if opts.BaseDir != "" {
		base, err := filepath.Abs(opts.BaseDir)
		if err != nil {
			return nil, &ConfigError{Message: fmt.Sprintf("resolve base dir: %v", err)}
		}
		rel, err := filepath.Rel(base, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, &ConfigError{Path: source, Message: "path escapes base directory"}
		}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, &ConfigError{Path: source, Message: fmt.Sprintf("read: %v", err)}
	}
	return data, nil
}

func fetchRemote(ctx context.Context, source string, opts LoadOptions) ([]byte, error) {
	if opts.DisableRemoteExtends {
		return nil, &ConfigError{Path: source, Message: "remote extends disabled"}
	}
	if !strings.HasPrefix(source, "https://") {
		return nil, &ConfigError{Path: source, Message: "remote extends must use https://"}
	}
	u, err := url.Parse(source)
	if err != nil {
		return nil, &ConfigError{Path: source, Message: fmt.Sprintf("parse url: %v", err)}
	}
	if len(opts.AllowedHosts) > 0 && !hostAllowed(u.Hostname(), opts.AllowedHosts) {
		return nil, &ConfigError{Path: source, Message: fmt.Sprintf("host %q not in allowlist", u.Hostname())}
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, source, nil)
	if err != nil {
		return nil, &ConfigError{Path: source, Message: fmt.Sprintf("build request: %v", err)}
	}

	resp, err := opts.httpClient().Do(req)
	if err != nil {
		return nil, &ConfigError{Path: source, Message: fmt.Sprintf("fetch: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &ConfigError{Path: source, Message: fmt.Sprintf("fetch: status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBodyBytes))
	if err != nil {
		return nil, &ConfigError{Path: source, Message: fmt.Sprintf("read body: %v", err)}
	}
	return data, nil
}

func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, a := range allowed {
		if strings.ToLower(a) == host {
			return true
		}
	}
	return false
}

// mergeDocs deep-merges override onto base: maps merge key-by-key
// recursively, everything else (scalars, arrays) is replaced wholesale
// by override's value when present.
func mergeDocs(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if baseVal, ok := out[k]; ok {
			if baseMap, ok1 := baseVal.(map[string]any); ok1 {
				if overrideMap, ok2 := v.(map[string]any); ok2 {
					out[k] = mergeDocs(baseMap, overrideMap)
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

func unknownKeyWarnings(doc map[string]any) []Warning {
	var warnings []Warning
	for k := range doc {
		if allowedTopLevelKeys[k] || silentExtraKeys[k] {
			continue
		}
		warnings = append(warnings, Warning{Path: k, Message: fmt.Sprintf("unknown top-level key %q", k)})
	}
	return warnings
}
