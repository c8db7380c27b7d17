package guard

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/metrics"
	"google.golang.org/grpc/codes"
)

// ErrUnknownField is returned when resolving a field that was never
// registered.
var ErrUnknownField = errors.NewC("guard: unknown field", codes.NotFound).WithReason("UNKNOWN_FIELD")

// Schema is the registry of guarded fields. It is the composition point the
// execution engine calls for every field.
type Schema struct {
	metrics *metrics.Metrics

	mu     sync.RWMutex
	fields map[FieldInfo]*fieldEntry
}

type fieldEntry struct {
	resolver Resolver
	chain    *Chain
}

// NewSchema returns an empty schema. m may be nil.
func NewSchema(m *metrics.Metrics) *Schema {
	return &Schema{metrics: m, fields: map[FieldInfo]*fieldEntry{}}
}

// Field registers a resolver with its guards, in declaration order.
// Registering the same field twice panics.
func (s *Schema) Field(parent, name string, r Resolver, guards ...FieldGuard) *Schema {
	info := FieldInfo{ParentType: parent, FieldName: name}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fields[info]; ok {
		panic(fmt.Sprintf("guard: field %s registered twice", info))
	}
	s.fields[info] = &fieldEntry{resolver: r, chain: NewChain(s.metrics, guards...)}
	return s
}

// Resolve runs the guarded resolver for parent.name.
func (s *Schema) Resolve(ctx context.Context, parent, name string, root any, args map[string]any) (any, error) {
	info := FieldInfo{ParentType: parent, FieldName: name}

	s.mu.RLock()
	f, ok := s.fields[info]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Mark(ErrUnknownField, 0).Append(info.String())
	}
	return f.chain.Resolve(ctx, Params{Root: root, Args: args, Field: info}, f.resolver)
}

// Fields lists the registered fields, sorted by parent then name.
func (s *Schema) Fields() []FieldInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FieldInfo, 0, len(s.fields))
	for info := range s.fields {
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b FieldInfo) int {
		return cmp.Or(cmp.Compare(a.ParentType, b.ParentType), cmp.Compare(a.FieldName, b.FieldName))
	})
	return out
}

// Guards returns the names of the guards on a field, in order.
func (s *Schema) Guards(parent, name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fields[FieldInfo{ParentType: parent, FieldName: name}]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(f.chain.guards))
	for _, g := range f.chain.guards {
		names = append(names, g.Name())
	}
	return names
}
