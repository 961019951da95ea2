package engine

import "fmt"

// Session models an AI provider's conversation history as an opaque,
// appendable log; the engine only manages identity and clone/append
// semantics, never its contents (the AI provider is an external
// collaborator per spec §1).
type Session struct {
	ID      string
	History []any
}

// sessionRegistry owns sessions keyed by (stepName, scopeID), replacing
// the teacher's SessionRegistry global singleton with an explicit,
// per-invocation object per the §9 REDESIGN NOTE on global singletons.
type sessionRegistry struct {
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*Session)}
}

func sessionKey(step, scope string) string { return step + "@" + scope }

func (r *sessionRegistry) own(step, scope string) *Session {
	key := sessionKey(step, scope)
	s, ok := r.sessions[key]
	if !ok {
		s = &Session{ID: fmt.Sprintf("sess-%s", key)}
		r.sessions[key] = s
	}
	return s
}

// resolve implements spec §4.7.3: reuse_ai_session=true inherits the
// session from the step's single depends_on; a string names a step
// whose session is cloned (session_mode: clone, default) or appended
// in-place (session_mode: append). "self" clones this step's own prior
// session within the invocation (the resolved Open Question), falling
// back to a fresh session if none exists yet.
func (r *sessionRegistry) resolve(cfg *StepConfig, scope string, singleDep string) (*Session, error) {
	if cfg.ReuseAISession == nil || cfg.ReuseAISession == false {
		return r.own(cfg.Name, scope), nil
	}

	mode := cfg.SessionMode
	if mode == "" {
		mode = "clone"
	}

	var source *Session
	switch v := cfg.ReuseAISession.(type) {
	case bool:
		if !v {
			return r.own(cfg.Name, scope), nil
		}
		if singleDep == "" {
			return nil, fmt.Errorf("engine: reuse_ai_session=true requires exactly one depends_on for step %q", cfg.Name)
		}
		source = r.own(singleDep, scope)
	case string:
		if v == "self" {
			source = r.own(cfg.Name, scope)
		} else {
			source = r.own(v, scope)
		}
	default:
		return nil, fmt.Errorf("engine: invalid reuse_ai_session value for step %q", cfg.Name)
	}

	if mode == "append" {
		return source, nil
	}
	clone := &Session{ID: source.ID + ":clone:" + cfg.Name, History: append([]any(nil), source.History...)}
	r.sessions[sessionKey(cfg.Name, scope)] = clone
	return clone, nil
}
