// Package storagetests provides common acceptance tests for storage.Store
// implementations.
package storagetests

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dpup/fieldguard/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Color int

const (
	ColorRed    Color = 1
	ColorGreen  Color = 2
	ColorOrange Color = 3
	ColorYellow Color = 4
	ColorPurple Color = 6
)

type Fruit struct {
	ID    string
	Name  string
	Color Color
	Count *int // Ptr fields allow filtering on zero values.
}

func (f Fruit) PK() string {
	return f.ID
}

type Planet struct {
	ID   string
	Name string
}

func (p Planet) PK() string {
	return p.ID
}

type BadModel struct {
	ID    string
	Cycle *BadModel
}

func (b BadModel) PK() string {
	return b.ID
}

func pint(i int) *int {
	return &i
}

func badModel() BadModel {
	bm := BadModel{ID: "XXX"}
	bm.Cycle = &bm
	return bm
}

// Run executes the acceptance suite. newStore is called once per subtest and
// must return an empty store.
//
//nolint:funlen // This is a test helper.
func Run(t *testing.T, newStore func() storage.Store) {
	t.Run("CreateReadRoundTrip", func(t *testing.T) {
		ctx := t.Context()
		apple := Fruit{ID: "1", Name: "Apple", Color: ColorGreen}
		banana := Fruit{ID: "2", Name: "Banana", Color: ColorYellow, Count: pint(3)}

		store := newStore()
		require.NoError(t, store.Create(ctx, apple, banana))

		var apple2, banana2 Fruit
		require.NoError(t, store.Read(ctx, "1", &apple2))
		assert.Equal(t, apple, apple2)

		require.NoError(t, store.Read(ctx, "2", &banana2))
		assert.Equal(t, banana, banana2)
	})

	t.Run("CreateConflict", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx, Fruit{ID: "1", Name: "Apple", Color: ColorGreen}))

		err := store.Create(ctx, Fruit{ID: "1", Name: "Apple", Color: ColorRed})
		require.ErrorIs(t, err, storage.ErrAlreadyExists)

		var apple Fruit
		require.NoError(t, store.Read(ctx, "1", &apple))
		assert.Equal(t, ColorGreen, apple.Color, "conflicting create must not overwrite")
	})

	t.Run("BadModel", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.ErrorIs(t, store.Create(ctx, badModel()), storage.ErrInvalidModel)
		require.ErrorIs(t, store.Update(ctx, badModel()), storage.ErrInvalidModel)
		require.ErrorIs(t, store.Upsert(ctx, badModel()), storage.ErrInvalidModel)
	})

	t.Run("ReadNotFound", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.ErrorIs(t, store.Read(ctx, "1", &Fruit{}), storage.ErrNotFound)

		require.NoError(t, store.Create(ctx, &Fruit{ID: "1", Name: "Apple"}))
		require.ErrorIs(t, store.Read(ctx, "2", &Fruit{}), storage.ErrNotFound)
		require.ErrorIs(t, store.Read(ctx, "1", &Planet{}), storage.ErrNotFound, "ids are scoped by model")
	})

	t.Run("ReadWithNilPointer", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx, Fruit{ID: "1", Name: "Apple"}))

		var apple *Fruit
		require.ErrorIs(t, store.Read(ctx, "1", apple), storage.ErrNilModel)
	})

	t.Run("Update", func(t *testing.T) {
		ctx := t.Context()
		apple := Fruit{ID: "1", Name: "Apple", Color: ColorGreen}

		store := newStore()
		require.NoError(t, store.Create(ctx, apple))

		apple.Color = ColorRed
		require.NoError(t, store.Update(ctx, apple))

		var apple2 Fruit
		require.NoError(t, store.Read(ctx, "1", &apple2))
		assert.Equal(t, apple, apple2)
	})

	t.Run("UpdateNotExists", func(t *testing.T) {
		store := newStore()
		err := store.Update(t.Context(), Fruit{ID: "1", Name: "Apple"})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Upsert", func(t *testing.T) {
		ctx := t.Context()
		apple := Fruit{ID: "1", Name: "Apple", Color: ColorGreen}

		store := newStore()
		require.NoError(t, store.Create(ctx, apple))

		apple.Color = ColorRed
		banana := Fruit{ID: "2", Name: "Banana", Color: ColorYellow}
		require.NoError(t, store.Upsert(ctx, apple, banana))

		var apple2, banana2 Fruit
		require.NoError(t, store.Read(ctx, "1", &apple2))
		assert.Equal(t, apple, apple2)
		require.NoError(t, store.Read(ctx, "2", &banana2))
		assert.Equal(t, banana, banana2)
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx, &Fruit{ID: "4", Name: "Mellon"}))

		exists, err := store.Exists(ctx, "4", &Fruit{})
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, store.Delete(ctx, &Fruit{ID: "4"}))

		exists, err = store.Exists(ctx, "4", &Fruit{})
		require.NoError(t, err)
		assert.False(t, exists)

		require.ErrorIs(t, store.Delete(ctx, &Fruit{ID: "4"}), storage.ErrNotFound)
	})

	t.Run("ConcurrentDeleteSucceedsOnce", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx, Fruit{ID: "1", Name: "Apple"}))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if store.Delete(ctx, Fruit{ID: "1"}) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("ListErrorCases", func(t *testing.T) {
		store := newStore()
		out := []Fruit{}

		tests := []struct {
			name    string
			models  any
			filter  storage.Model
			wantErr error
		}{
			{"Ok", &out, Fruit{}, nil},
			{"Not a slice", Fruit{}, Fruit{}, storage.ErrSliceRequired},
			{"Not a pointer", out, Fruit{}, storage.ErrSliceRequired},
			{"Mismatched type", &out, Planet{}, storage.ErrTypeMismatch},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := store.List(t.Context(), tt.models, tt.filter)
				if tt.wantErr == nil {
					require.NoError(t, err)
				} else {
					require.ErrorIs(t, err, tt.wantErr)
				}
			})
		}
	})

	t.Run("List", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx,
			Fruit{"3", "Mango", ColorOrange, nil},
			Fruit{"1", "Apple", ColorGreen, nil},
			Fruit{"2", "Banana", ColorYellow, nil},
		))
		require.NoError(t, store.Create(ctx, Planet{ID: "1", Name: "Mercury"}))

		actual := []Fruit{}
		require.NoError(t, store.List(ctx, &actual, Fruit{}))
		assert.Equal(t, []Fruit{
			{"1", "Apple", ColorGreen, nil},
			{"2", "Banana", ColorYellow, nil},
			{"3", "Mango", ColorOrange, nil},
		}, actual)
	})

	t.Run("ListFilter", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx,
			Fruit{"1", "Apple", ColorGreen, nil},
			Fruit{"2", "Banana", ColorYellow, nil},
			Fruit{"3", "Mango", ColorOrange, nil},
			Fruit{"4", "Cherry", ColorRed, nil},
			Fruit{"5", "Grape", ColorGreen, nil},
			Fruit{"6", "Strawberry", ColorRed, nil},
			Fruit{"7", "Plum", ColorPurple, nil},
		))

		actual := []Fruit{}
		require.NoError(t, store.List(ctx, &actual, Fruit{Color: ColorGreen}))
		assert.Equal(t, []Fruit{
			{"1", "Apple", ColorGreen, nil},
			{"5", "Grape", ColorGreen, nil},
		}, actual)

		actual = []Fruit{}
		require.NoError(t, store.List(ctx, &actual, Fruit{Name: "Cherry", Color: ColorRed}))
		assert.Equal(t, []Fruit{{"4", "Cherry", ColorRed, nil}}, actual)
	})

	t.Run("ListPointers", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx,
			Fruit{"2", "Banana", ColorYellow, nil},
			Fruit{"1", "Apple", ColorGreen, pint(2)},
			Fruit{"3", "Grape", ColorGreen, nil},
		))

		actual := []*Fruit{}
		require.NoError(t, store.List(ctx, &actual, &Fruit{}))
		assert.Equal(t, []*Fruit{
			{"1", "Apple", ColorGreen, pint(2)},
			{"2", "Banana", ColorYellow, nil},
			{"3", "Grape", ColorGreen, nil},
		}, actual)

		actual = []*Fruit{}
		require.NoError(t, store.List(ctx, &actual, &Fruit{Color: ColorGreen}))
		assert.Equal(t, []*Fruit{
			{"1", "Apple", ColorGreen, pint(2)},
			{"3", "Grape", ColorGreen, nil},
		}, actual)
	})

	t.Run("ListFilterZero", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, store.Create(ctx,
			Fruit{"1", "Apple", ColorGreen, pint(4)},
			Fruit{"2", "Banana", ColorYellow, pint(3)},
			Fruit{"3", "Mango", ColorOrange, pint(0)},
			Fruit{"4", "Cherry", ColorRed, pint(0)},
			Fruit{"5", "Grape", ColorGreen, nil},
		))

		actual := []Fruit{}
		require.NoError(t, store.List(ctx, &actual, Fruit{Count: pint(0)}))
		assert.Equal(t, []Fruit{
			{"3", "Mango", ColorOrange, pint(0)},
			{"4", "Cherry", ColorRed, pint(0)},
		}, actual)
	})

	t.Run("Exists", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		exists, err := store.Exists(ctx, "3", &Fruit{})
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, store.Create(ctx, &Fruit{ID: "3", Name: "Mango"}))

		exists, err = store.Exists(ctx, "3", &Fruit{})
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("InitModel", func(t *testing.T) {
		ctx := t.Context()
		store := newStore()
		require.NoError(t, storage.InitModels(ctx, store, Planet{}))
		require.NoError(t, store.Create(ctx, Planet{ID: "3", Name: "Earth"}))

		var earth Planet
		require.NoError(t, store.Read(ctx, "3", &earth))
		assert.Equal(t, "Earth", earth.Name)
	})
}
