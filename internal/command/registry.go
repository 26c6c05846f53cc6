package command

import (
	"fmt"
	"sort"
	"sync"
)

// Factory rehydrates a task from its record.
type Factory func(rec Record) (Task, error)

type registration struct {
	class   Class
	factory Factory
}

// Registry maps type tags to their class and factory. It is filled once at
// startup and read by the queue afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[Type]registration
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[Type]registration)}
}

func (r *Registry) Register(typ Type, class Class, f Factory) error {
	if typ == "" || f == nil {
		return fmt.Errorf("command: register %q: empty type or nil factory", typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[typ]; ok {
		return fmt.Errorf("command: type %q already registered", typ)
	}
	r.types[typ] = registration{class: class, factory: f}
	return nil
}

// MustRegister panics on a duplicate; registration is startup wiring.
func (r *Registry) MustRegister(typ Type, class Class, f Factory) {
	if err := r.Register(typ, class, f); err != nil {
		panic(err)
	}
}

func (r *Registry) Class(typ Type) (Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[typ]
	return reg.class, ok
}

// Rehydrate rebuilds the task for rec. Unknown types are fatal.
func (r *Registry) Rehydrate(rec Record) (Task, error) {
	r.mu.RLock()
	reg, ok := r.types[rec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, Fatal(fmt.Errorf("%w: %q (record %s)", ErrUnknownType, rec.Type, rec.ID))
	}
	t, err := reg.factory(rec)
	if err != nil {
		return nil, err
	}
	if t.ID() != rec.ID {
		return nil, Fatal(fmt.Errorf("command: record %s rehydrated as %s", rec.ID, t.ID()))
	}
	return t, nil
}

func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
