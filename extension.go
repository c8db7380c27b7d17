package fieldguard

import (
	"context"
	"fmt"
)

// Extension adds application behavior to a System, typically guarded fields
// on its schema.
type Extension interface {
	// Name of the extension, used for querying and dependency resolution.
	Name() string
}

// Implemented if the extension depends on other extensions.
type DependentExtension interface {
	// Deps returns the names of extensions which this extension depends on.
	Deps() []string
}

// Implemented if the extension has optional dependencies, which should be
// initialized first when present, but are not required.
type OptionalDependentExtension interface {
	// OptDeps returns the names of extensions this extension optionally
	// depends on.
	OptDeps() []string
}

// Implemented if the extension needs the built system, for example to
// register fields or subscribe to events.
type InitializableExtension interface {
	// Init the extension. Will be called in dependency order.
	Init(ctx context.Context, s *System) error
}

// Registry manages extensions and their dependencies.
type Registry struct {
	extensions map[string]Extension
	keys       []string
}

// Get an extension.
func (r *Registry) Get(key string) Extension {
	if e, ok := r.extensions[key]; ok {
		return e
	}
	return nil
}

// Register an extension.
func (r *Registry) Register(e Extension) {
	if r.extensions == nil {
		r.extensions = map[string]Extension{}
	}
	n := e.Name()
	if _, ok := r.extensions[n]; !ok {
		r.keys = append(r.keys, n)
	}
	r.extensions[n] = e
}

// Init all extensions in the registry, in dependency order.
func (r *Registry) Init(ctx context.Context, s *System) error {
	if r.extensions == nil {
		return nil
	}

	visiting := make(map[string]bool)
	for _, key := range r.keys {
		if err := r.validateDeps(key, visiting, true); err != nil {
			return err
		}
	}

	initialized := make(map[string]bool)
	for _, key := range r.keys {
		if err := r.initExtension(ctx, s, key, initialized); err != nil {
			return err
		}
	}
	return nil
}

// Walks the dependency graph and ensures that deps are registered and that
// there are no cycles.
func (r *Registry) validateDeps(key string, visiting map[string]bool, required bool) error {
	if visiting[key] {
		return fmt.Errorf("extension: dependency cycle detected involving '%v'", key)
	}

	e, ok := r.extensions[key]
	if !ok {
		if !required {
			return nil
		}
		return fmt.Errorf("extension: missing dependency, '%v' not registered", key)
	}

	visiting[key] = true
	defer delete(visiting, key)

	if d, ok := e.(DependentExtension); ok {
		for _, dep := range d.Deps() {
			if err := r.validateDeps(dep, visiting, true); err != nil {
				return err
			}
		}
	}
	if d, ok := e.(OptionalDependentExtension); ok {
		for _, dep := range d.OptDeps() {
			if err := r.validateDeps(dep, visiting, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) initExtension(ctx context.Context, s *System, key string, initialized map[string]bool) error {
	if initialized[key] {
		return nil
	}

	e, ok := r.extensions[key]
	if !ok {
		return nil
	}

	var deps []string
	if d, ok := e.(DependentExtension); ok {
		deps = append(deps, d.Deps()...)
	}
	if d, ok := e.(OptionalDependentExtension); ok {
		deps = append(deps, d.OptDeps()...)
	}
	for _, dep := range deps {
		if err := r.initExtension(ctx, s, dep, initialized); err != nil {
			return err
		}
	}

	if i, ok := e.(InitializableExtension); ok {
		if err := i.Init(ctx, s); err != nil {
			return fmt.Errorf("extension: failed to initialize '%v': %w", key, err)
		}
	}

	initialized[key] = true
	return nil
}
