// Package ability registers named operations and runs them behind the
// approval workflow.
package ability

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/hero/internal/domain"
)

// Registry stores abilities keyed by name.
type Registry struct {
	mu        sync.RWMutex
	abilities map[string]*domain.Ability
}

// NewRegistry creates an empty ability registry.
func NewRegistry() *Registry {
	return &Registry{
		abilities: make(map[string]*domain.Ability),
	}
}

// Register adds an ability.
func (r *Registry) Register(a *domain.Ability) error {
	if a == nil || a.Name == "" {
		return fmt.Errorf("ability name is required")
	}
	switch a.Type {
	case domain.AbilityTypeFunction:
		if a.Handler == nil {
			return fmt.Errorf("function ability %s requires a handler", a.Name)
		}
	case domain.AbilityTypeProcess:
		if a.Content == "" {
			return fmt.Errorf("process ability %s requires content", a.Name)
		}
	default:
		return fmt.Errorf("ability %s has unknown type %q", a.Name, a.Type)
	}
	if a.Permissions.AutoApprovePolicy == "" {
		a.Permissions.AutoApprovePolicy = domain.PolicyAsk
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.abilities[a.Name]; exists {
		return fmt.Errorf("ability already registered: %s", a.Name)
	}
	r.abilities[a.Name] = a
	return nil
}

// MustRegister adds an ability or panics.
func (r *Registry) MustRegister(a *domain.Ability) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Lookup returns the ability registered under name.
func (r *Registry) Lookup(name string) (*domain.Ability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.abilities[name]
	return a, ok
}

// List returns every ability ordered by name.
func (r *Registry) List() []*domain.Ability {
	r.mu.RLock()
	out := make([]*domain.Ability, 0, len(r.abilities))
	for _, a := range r.abilities {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
