package model

import "strings"

// Capabilities gating the HTTP surface. Step responsibilities are
// descriptive only and never checked by the engine.
const (
	CapTemplatesView   = "workflow:templates:view"
	CapTemplatesManage = "workflow:templates:manage"
	CapInstancesView   = "workflow:instances:view"
	CapInstancesStart  = "workflow:instances:start"
	CapInstancesAbort  = "workflow:instances:abort"
	CapActionsPerform  = "workflow:actions:perform"
)

// CapabilitySet holds the capabilities granted to a subject. Entries ending
// in ":*" grant a whole namespace and a bare "*" grants everything.
type CapabilitySet map[string]bool

// Has reports whether cap is granted directly or through a wildcard entry.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for granted, ok := range cs {
		if ok && covers(granted, cap) {
			return true
		}
	}
	return false
}

// Missing returns the entries of caps that the set does not grant, in order.
func (cs CapabilitySet) Missing(caps ...string) []string {
	var out []string
	for _, c := range caps {
		if !cs.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// HasAll reports whether every one of caps is granted.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	return len(cs.Missing(caps...)) == 0
}

// covers reports whether the wildcard entry granted matches cap.
// "workflow:templates" is not a wildcard and covers nothing but itself.
func covers(granted, cap string) bool {
	if granted == "*" {
		return true
	}
	prefix, ok := strings.CutSuffix(granted, "*")
	return ok && strings.HasSuffix(prefix, ":") && strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the capability set of an authenticated caller.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
	// Invalidate drops cached sets for subjectID.
	Invalidate(subjectID string)
}

// PolicyEvaluator maps a caller's roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
	// Sync reloads the policy from its source.
	Sync() error
}
