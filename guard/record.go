package guard

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/iancoleman/strcase"
)

// Record is implemented by results that expose attributes by name. Results
// that do not implement it are adapted by AttributeOf.
type Record interface {
	Attribute(name string) (any, bool)
}

// Identifiable is implemented by records with an id.
type Identifiable interface {
	GetID() string
}

type fieldKey struct {
	t    reflect.Type
	name string
}

var fieldIndex sync.Map // fieldKey -> int (-1 when missing)

// AttributeOf returns the named attribute of v. Records are asked directly;
// maps are indexed by key; structs match the field name, its json tag, or its
// snake_case form, so "tenant_id" finds a TenantID field. A nil attribute is
// reported as absent.
func AttributeOf(v any, name string) (any, bool) {
	if r, ok := v.(Record); ok {
		a, ok := r.Attribute(name)
		if !ok || isNil(a) {
			return nil, false
		}
		return a, true
	}

	rv := indirect(reflect.ValueOf(v))
	if !rv.IsValid() {
		return nil, false
	}

	var a reflect.Value
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		a = rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
	case reflect.Struct:
		i := structField(rv.Type(), name)
		if i < 0 {
			return nil, false
		}
		a = rv.Field(i)
	default:
		return nil, false
	}

	a = indirect(a)
	if !a.IsValid() {
		return nil, false
	}
	return a.Interface(), true
}

// IsRecord reports whether v can be inspected with AttributeOf.
func IsRecord(v any) bool {
	if _, ok := v.(Record); ok {
		return true
	}
	rv := indirect(reflect.ValueOf(v))
	if !rv.IsValid() {
		return false
	}
	switch rv.Kind() {
	case reflect.Struct:
		return true
	case reflect.Map:
		return rv.Type().Key().Kind() == reflect.String
	}
	return false
}

// IDOf returns the id of v, from GetID, PK or an "id" attribute.
func IDOf(v any) (string, bool) {
	switch r := v.(type) {
	case Identifiable:
		return r.GetID(), r.GetID() != ""
	case interface{ PK() string }:
		return r.PK(), r.PK() != ""
	}
	a, ok := AttributeOf(v, "id")
	if !ok {
		return "", false
	}
	s := stringify(a)
	return s, s != ""
}

func structField(t reflect.Type, name string) int {
	key := fieldKey{t, name}
	if i, ok := fieldIndex.Load(key); ok {
		return i.(int)
	}
	idx := -1
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if f.Name == name || tag == name || strcase.ToSnake(f.Name) == name {
			idx = i
			break
		}
	}
	fieldIndex.Store(key, idx)
	return idx
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func isNil(v any) bool {
	return !indirect(reflect.ValueOf(v)).IsValid()
}

// isSequence reports whether v is a list of records, as opposed to a single
// record or scalar.
func isSequence(v any) bool {
	rv := indirect(reflect.ValueOf(v))
	if !rv.IsValid() {
		return false
	}
	switch rv.Kind() {
	case reflect.Slice:
		return rv.Type().Elem().Kind() != reflect.Uint8
	case reflect.Array:
		return true
	}
	return false
}

// filterSequence keeps the members for which keep returns true, preserving
// order and the concrete slice type.
func filterSequence(v any, keep func(member any) bool) any {
	rv := indirect(reflect.ValueOf(v))
	t := rv.Type()
	if t.Kind() == reflect.Array {
		t = reflect.SliceOf(t.Elem())
	}
	out := reflect.MakeSlice(t, 0, rv.Len())
	for i := range rv.Len() {
		if m := rv.Index(i); keep(m.Interface()) {
			out = reflect.Append(out, m)
		}
	}
	return out.Interface()
}

// eachMember calls fn for every member, stopping at the first error.
func eachMember(v any, fn func(member any) error) error {
	rv := indirect(reflect.ValueOf(v))
	for i := range rv.Len() {
		if err := fn(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

// stringify renders ids for comparison, so that 42 and "42" match.
func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}
