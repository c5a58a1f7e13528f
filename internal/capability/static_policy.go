package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/caseflow/model"
)

// policyFile is the on-disk policy format:
//
//	authenticated: [workflow:instances:view]
//	roles:
//	  manager: [workflow:actions:perform, workflow:instances:*]
//	  admin: ["workflow:*"]
type policyFile struct {
	Authenticated []string            `yaml:"authenticated"`
	Roles         map[string][]string `yaml:"roles"`
}

// StaticPolicyEvaluator resolves capabilities from a YAML file mapping
// roles to capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator loads the policy at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the capabilities every authenticated caller
// holds plus the union of those granted to rctx's roles.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, c := range e.policy.Authenticated {
		caps[c] = true
	}
	for _, role := range rctx.Roles {
		for _, c := range e.policy.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file from disk. The previous policy stays in
// effect when the file cannot be read or parsed.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	return nil
}

// Roles returns the role names defined by the policy.
func (e *StaticPolicyEvaluator) Roles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.policy.Roles))
	for r := range e.policy.Roles {
		out = append(out, r)
	}
	return out
}
