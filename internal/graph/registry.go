package graph

import "fmt"

// decisionSynonyms are names under which the unified decision node may be
// registered or referenced. ListPublic excludes all of them so the decision
// node can never pick itself as a tool.
var decisionSynonyms = map[string]struct{}{
	EntryNode:          {},
	"unified_decision": {},
	"decision":         {},
	"response":         {},
}

// Registration binds a node description to its handler.
type Registration struct {
	NodeInfo
	Handler HandlerFunc
}

// Registry is the process-wide node catalog. It is populated during startup
// and read-only afterwards, so lookups take no lock.
type Registry struct {
	nodes map[string]Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]Registration)}
}

// Register installs a node under reg.Name. Re-registration of an existing
// name is an error, as is registering the terminator sentinel or a node
// without a handler.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("graph: register: empty node name")
	}
	if reg.Name == TerminatorNode {
		return fmt.Errorf("graph: register: %q is the terminator sentinel", reg.Name)
	}
	if reg.Handler == nil {
		return fmt.Errorf("graph: register %q: nil handler", reg.Name)
	}
	if _, exists := r.nodes[reg.Name]; exists {
		return fmt.Errorf("graph: register %q: already registered", reg.Name)
	}
	r.nodes[reg.Name] = reg
	return nil
}

// Handler returns the handler registered under name.
func (r *Registry) Handler(name string) (HandlerFunc, bool) {
	reg, ok := r.nodes[name]
	if !ok {
		return nil, false
	}
	return reg.Handler, true
}

// ListPublic returns the catalog with handlers stripped, excluding the
// unified decision node and its synonyms. This is the tool list the decision
// node chooses from.
func (r *Registry) ListPublic() map[string]NodeInfo {
	out := make(map[string]NodeInfo, len(r.nodes))
	for name, reg := range r.nodes {
		if _, isDecision := decisionSynonyms[name]; isDecision {
			continue
		}
		out[name] = reg.NodeInfo.Clone()
	}
	return out
}
