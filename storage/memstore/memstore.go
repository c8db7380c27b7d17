// Package memstore implements storage.Store in memory. Records are kept as
// JSON so that reads return copies and serialization errors surface the same
// way they do in the SQL backends.
package memstore

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/storage"
)

// New returns a store that provides transient, in-memory storage.
func New() storage.Store {
	return &store{
		data: map[string]map[string][]byte{},
	}
}

type store struct {
	// data[tableName][entityID] = JSON
	data map[string]map[string][]byte
	mu   sync.RWMutex
}

func (s *store) Create(ctx context.Context, models ...storage.Model) error {
	return s.write(ctx, models, func(table map[string][]byte, id string) error {
		if _, ok := table[id]; ok {
			return errors.Mark(storage.ErrAlreadyExists, 0)
		}
		return nil
	})
}

func (s *store) Read(ctx context.Context, id string, model storage.Model) error {
	if err := storage.ValidateReceiver(model); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(id, model)
}

func (s *store) Update(ctx context.Context, models ...storage.Model) error {
	return s.write(ctx, models, func(table map[string][]byte, id string) error {
		if _, ok := table[id]; !ok {
			return errors.Mark(storage.ErrNotFound, 0)
		}
		return nil
	})
}

func (s *store) Upsert(ctx context.Context, models ...storage.Model) error {
	return s.write(ctx, models, nil)
}

func (s *store) Delete(ctx context.Context, model storage.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.data[storage.Name(model)]
	if _, ok := table[model.PK()]; !ok {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	delete(table, model.PK())
	return nil
}

// List always performs a full scan of all items.
func (s *store) List(ctx context.Context, models any, filter storage.Model) error {
	sliceVal, elemType, err := storage.ListTarget(models, filter)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	table := s.data[storage.Name(filter)]
	pks := make([]string, 0, len(table))
	for pk := range table {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	names, values := storage.FilterFields(filter)
	isPtr := elemType.Kind() == reflect.Ptr
	baseType := elemType
	if isPtr {
		baseType = elemType.Elem()
	}
	for _, pk := range pks {
		newElemPtr := reflect.New(baseType)
		if err := s.readLocked(pk, newElemPtr.Interface().(storage.Model)); err != nil {
			return err
		}
		if !matches(newElemPtr.Elem(), names, values) {
			continue
		}
		if isPtr {
			sliceVal.Set(reflect.Append(sliceVal, newElemPtr))
		} else {
			sliceVal.Set(reflect.Append(sliceVal, newElemPtr.Elem()))
		}
	}
	return nil
}

func (s *store) Exists(ctx context.Context, id string, model storage.Model) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[storage.Name(model)][id]
	return ok, nil
}

// write serializes every model first and checks each against precondition,
// so that a failing batch leaves the store untouched.
func (s *store) write(ctx context.Context, models []storage.Model, precondition func(map[string][]byte, string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded := make([][]byte, len(models))
	for i, m := range models {
		b, err := json.Marshal(m)
		if err != nil {
			return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
		}
		encoded[i] = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if precondition != nil {
		for _, m := range models {
			if err := precondition(s.data[storage.Name(m)], m.PK()); err != nil {
				return err
			}
		}
	}
	for i, m := range models {
		n := storage.Name(m)
		if s.data[n] == nil {
			s.data[n] = map[string][]byte{}
		}
		s.data[n][m.PK()] = encoded[i]
	}
	return nil
}

func (s *store) readLocked(id string, model storage.Model) error {
	value, ok := s.data[storage.Name(model)][id]
	if !ok {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	if err := json.Unmarshal(value, model); err != nil {
		return errors.Mark(storage.ErrInvalidModel, 0).Append(err.Error())
	}
	return nil
}

// matches compares the filter's populated fields against elem. Pointer filter
// fields compare by pointee.
func matches(elem reflect.Value, names []string, values []any) bool {
	for i, name := range names {
		if !reflect.DeepEqual(elem.FieldByName(name).Interface(), values[i]) {
			return false
		}
	}
	return true
}
