// Package storage defines the persistence collaborator used by every
// component: tokens, devices, accounts, role grants and audit rows are all
// stored through the Store interface.
//
// Models are plain structs with a `PK() string` method. Stores serialize them
// as JSON keyed by Go field name, so List filters match on field names.
//
//	store := memstore.New()
//	err := store.Create(ctx, &session.Token{ID: "..."})
package storage

import (
	"context"

	"github.com/dpup/fieldguard/errors"
	"google.golang.org/grpc/codes"
)

var (
	// Returned when a record does not exist.
	ErrNotFound = errors.NewC("record not found", codes.NotFound)

	// Returned when a record conficts with an existing key.
	ErrAlreadyExists = errors.NewC("primary key already exists", codes.AlreadyExists)

	// Returned when List is called with a non-slice.
	ErrSliceRequired = errors.NewC("pointer slice required", codes.InvalidArgument)

	// Returned when a store can not marshal/unmarshal a model.
	ErrInvalidModel = errors.NewC("invalid model", codes.InvalidArgument)

	// Returned when List is called with a filter and slice of mismatching types.
	ErrTypeMismatch = errors.NewC("type mismatch", codes.InvalidArgument)

	// Returned when a store is passed an uninitialized pointer.
	ErrNilModel = errors.NewC("uninitialized pointer passed as model", codes.InvalidArgument)
)

// Store offers a basic CRUUDLE (Create Read Update Upsert Delete List Exists)
// interface.
type Store interface {
	// Create multiple entities. Fails with ErrAlreadyExists if any primary key
	// is taken, in which case none are written.
	Create(ctx context.Context, models ...Model) error

	// Read a record with the given id.
	Read(ctx context.Context, id string, model Model) error

	// Update multiple entities.
	Update(ctx context.Context, models ...Model) error

	// Update or insert multiple entities.
	Upsert(ctx context.Context, models ...Model) error

	// Delete a record. Only the primary key needs to be populated. Returns
	// ErrNotFound when nothing was deleted, which makes Delete usable as a
	// conditional "delete if exists" by callers that need at-most-once
	// semantics.
	Delete(ctx context.Context, model Model) error

	// List populates the slice of models with records that have fields which
	// match the fields of filter, ordered by primary key. Zero-value fields
	// are ignored, unless the field is a pointer.
	List(ctx context.Context, models any, filter Model) error

	// Exists returns true if a record with the given id exists.
	Exists(ctx context.Context, id string, model Model) (bool, error)
}

// ModelInitializer is implemented by stores that support per-model
// configuration, for example a table per model in SQL databases.
type ModelInitializer interface {
	InitModel(ctx context.Context, model Model) error
}

// InitModels initializes each model when the store supports it. Stores that
// do not implement ModelInitializer still work, with data kept in a shared
// table.
func InitModels(ctx context.Context, s Store, models ...Model) error {
	i, ok := s.(ModelInitializer)
	if !ok {
		return nil
	}
	for _, m := range models {
		if err := i.InitModel(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
