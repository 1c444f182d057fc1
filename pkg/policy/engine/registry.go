package engine

import (
	"fmt"
	"sort"
	"sync"

	"mercator-hq/prgate/pkg/governance"
)

// Checker inspects frozen facts against the rules of one policy.
type Checker interface {
	Kind() governance.CheckerKind
	Check(facts *governance.Facts, rules governance.RulesLogic) CheckResult
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	K  governance.CheckerKind
	Fn func(facts *governance.Facts, rules governance.RulesLogic) CheckResult
}

func (c CheckerFunc) Kind() governance.CheckerKind { return c.K }

func (c CheckerFunc) Check(facts *governance.Facts, rules governance.RulesLogic) CheckResult {
	return c.Fn(facts, rules)
}

// Registry maps checker kinds to checkers.
type Registry struct {
	mu       sync.RWMutex
	checkers map[governance.CheckerKind]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[governance.CheckerKind]Checker)}
}

// DefaultRegistry returns a registry holding the built-in checkers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, c := range builtinCheckers() {
		// Built-in kinds are distinct, so Register cannot fail here.
		_ = r.Register(c)
	}
	return r
}

// Register adds c. Registering a kind twice is an error.
func (r *Registry) Register(c Checker) error {
	if c == nil || c.Kind() == "" {
		return fmt.Errorf("checker must have a kind")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.checkers[c.Kind()]; exists {
		return fmt.Errorf("checker %q already registered", c.Kind())
	}
	r.checkers[c.Kind()] = c
	return nil
}

// Lookup returns the checker for kind.
func (r *Registry) Lookup(kind governance.CheckerKind) (Checker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkers[kind]
	return c, ok
}

// Kinds lists the registered kinds in lexical order.
func (r *Registry) Kinds() []governance.CheckerKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]governance.CheckerKind, 0, len(r.checkers))
	for k := range r.checkers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
