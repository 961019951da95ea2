package engine

import "strings"

// dependency is one depends_on entry. Names holds an OR-group's
// ("a|b") real step names; the step is ready once any one of
// them (if Or) or all of them (if !Or) have completed, per spec §4.7.1's
// "OR-tokens via | only count real names".
type dependency struct {
	Names []string
	Or    bool
}

func parseDependsOn(entries []string) []dependency {
	var deps []dependency
	for _, e := range entries {
		if strings.Contains(e, "|") {
			parts := strings.Split(e, "|")
			names := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					names = append(names, p)
				}
			}
			deps = append(deps, dependency{Names: names, Or: true})
		} else {
			e = strings.TrimSpace(e)
			if e != "" {
				deps = append(deps, dependency{Names: []string{e}})
			}
		}
	}
	return deps
}

// closure expands roots into the full set of steps reachable via
// depends_on (transitively), per spec §4.7.1 step 1.
func closure(steps map[string]*StepConfig, roots []string) map[string]*StepConfig {
	out := make(map[string]*StepConfig)
	var visit func(name string)
	visit = func(name string) {
		if _, ok := out[name]; ok {
			return
		}
		cfg, ok := steps[name]
		if !ok {
			return
		}
		out[name] = cfg
		for _, dep := range parseDependsOn(cfg.DependsOn) {
			for _, d := range dep.Names {
				visit(d)
			}
		}
	}
	for _, r := range roots {
		visit(r)
	}
	return out
}

// pruneReachableRoots drops any requested root that is itself a
// dependency (transitive) of another requested root, keeping only DAG
// sinks among the roots (spec §4.7.1 step 1).
func pruneReachableRoots(steps map[string]*StepConfig, roots []string) []string {
	reachable := make(map[string]bool)
	var mark func(name string, fromRoot string)
	mark = func(name string, fromRoot string) {
		cfg, ok := steps[name]
		if !ok {
			return
		}
		for _, dep := range parseDependsOn(cfg.DependsOn) {
			for _, d := range dep.Names {
				if d == fromRoot {
					continue
				}
				reachable[d] = true
				mark(d, fromRoot)
			}
		}
	}
	for _, r := range roots {
		mark(r, r)
	}
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if !reachable[r] {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return roots
	}
	return out
}

// forEachOwners computes, for every step in steps, the name of its
// nearest enclosing forEach ancestor ("" if none) by walking the
// dependency chain upward. This resolves the Open Question on
// fanout/depends_on interaction: nearest enclosing forEach wins, not a
// transitive search across multiple forEach ancestors.
func forEachOwners(steps map[string]*StepConfig) map[string]string {
	owner := make(map[string]string)
	var resolve func(name string) string
	visiting := make(map[string]bool)
	resolve = func(name string) string {
		if o, ok := owner[name]; ok {
			return o
		}
		if visiting[name] {
			return "" // cycle guard; routing goto cycles are handled elsewhere
		}
		visiting[name] = true
		defer delete(visiting, name)

		cfg, ok := steps[name]
		if !ok {
			owner[name] = ""
			return ""
		}
		for _, dep := range parseDependsOn(cfg.DependsOn) {
			for _, d := range dep.Names {
				depCfg, ok := steps[d]
				if !ok {
					continue
				}
				if depCfg.ForEach {
					owner[name] = d
					return d
				}
				if o := resolve(d); o != "" {
					owner[name] = o
					return o
				}
			}
		}
		owner[name] = ""
		return ""
	}
	for name := range steps {
		resolve(name)
	}
	return owner
}

// eventMatches implements spec §4.7.1's `on` event filter: a step's `on`
// list gates against the current eventType unless eventType is "all".
func eventMatches(on []string, eventType string) bool {
	if eventType == "all" || len(on) == 0 {
		return true
	}
	for _, e := range on {
		if e == eventType || e == "all" {
			return true
		}
	}
	return false
}

// tagMatches implements the {include, exclude} tag filter.
func tagMatches(stepTags []string, filter TagFilter) bool {
	if len(filter.Exclude) > 0 {
		for _, t := range stepTags {
			if contains(filter.Exclude, t) {
				return false
			}
		}
	}
	if len(filter.Include) == 0 {
		return true
	}
	for _, t := range stepTags {
		if contains(filter.Include, t) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
