package storage

import (
	"reflect"
	"sync"

	"github.com/dpup/fieldguard/errors"
	pluralize "github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
)

var (
	pluralizer = pluralize.NewClient()
	modelNames sync.Map // reflect.Type -> string
)

// Model defines the interface for records which want to be persisted to a
// storage engine.
type Model interface {
	// PK returns the primary key that the record is stored under.
	PK() string
}

// Namer allows Models to override how the table-name is determined.
type Namer interface {
	Name() string
}

// Name returns a pluralized version of the model's name, either derived from
// the struct or from the `Namer` interface.
func Name(m any) string {
	if n, ok := m.(Namer); ok {
		return n.Name()
	}
	t := reflect.TypeOf(m)
	for t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	if n, ok := modelNames.Load(t); ok {
		return n.(string)
	}
	n := pluralizer.Plural(strcase.ToSnake(t.Name()))
	modelNames.Store(t, n)
	return n
}

// ValidateReceiver returns an error if the model is nil or uninitialized.
func ValidateReceiver(model Model) error {
	if model == nil {
		return errors.Mark(ErrNilModel, 0)
	}
	if v := reflect.ValueOf(model); v.Kind() == reflect.Ptr && v.IsNil() {
		return errors.Mark(ErrNilModel, 0)
	}
	return nil
}

// ListTarget validates the arguments to List, returning the slice to append
// to and its element type.
func ListTarget(models any, filter Model) (reflect.Value, reflect.Type, error) {
	modelsVal := reflect.ValueOf(models)
	if modelsVal.Kind() != reflect.Ptr || modelsVal.Elem().Kind() != reflect.Slice {
		return reflect.Value{}, nil, ErrSliceRequired
	}
	sliceVal := modelsVal.Elem()
	elemType := sliceVal.Type().Elem()
	if elemType != reflect.TypeOf(filter) {
		return reflect.Value{}, nil, ErrTypeMismatch
	}
	return sliceVal, elemType, nil
}

// FilterFields returns the field names and values of filter that participate
// in List matching: non-nil pointers and non-zero values.
func FilterFields(filter Model) ([]string, []any) {
	v := reflect.ValueOf(filter)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	var names []string
	var values []any
	for i := range v.NumField() {
		field := v.Field(i)
		if !v.Type().Field(i).IsExported() {
			continue
		}
		if (field.Kind() == reflect.Ptr && !field.IsNil()) || (field.Kind() != reflect.Ptr && !field.IsZero()) {
			names = append(names, v.Type().Field(i).Name)
			values = append(values, field.Interface())
		}
	}
	return names, values
}
