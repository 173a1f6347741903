package action

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps action names to actions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds a, replacing any action with the same name.
func (r *Registry) Register(a Action) error {
	if a == nil {
		return fmt.Errorf("register: nil action")
	}
	name := strings.TrimSpace(a.Name())
	if name == "" {
		return fmt.Errorf("register: action has empty name")
	}
	r.mu.Lock()
	r.actions[name] = a
	r.mu.Unlock()
	return nil
}

// MustRegister is Register for wiring code where a failure is a programming error.
func (r *Registry) MustRegister(actions ...Action) {
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Resolve(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[strings.TrimSpace(name)]
	return a, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
