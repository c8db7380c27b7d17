package device

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/metrics"
	"github.com/dpup/fieldguard/serverutil"
	"github.com/dpup/fieldguard/storage"
	"github.com/dpup/fieldguard/storage/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// clock returns a setter for the registry's notion of now.
func clock(t *testing.T) func(offset time.Duration) {
	t.Helper()
	var mu sync.Mutex
	now := t0
	timeFunc = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	t.Cleanup(func() { timeFunc = time.Now })
	return func(offset time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = t0.Add(offset)
	}
}

func names(devices []*Device) []string {
	var out []string
	for _, d := range devices {
		out = append(out, d.Name)
	}
	return out
}

func TestRegister_evictsLeastRecentlyUsed(t *testing.T) {
	at := clock(t)
	ctx := t.Context()
	r := NewRegistry(memstore.New(), WithMaxPerPrincipal(2))

	at(1 * time.Second)
	_, err := r.Register(ctx, "u1", Registration{Name: "A"})
	require.NoError(t, err)
	at(2 * time.Second)
	_, err = r.Register(ctx, "u1", Registration{Name: "B"})
	require.NoError(t, err)
	at(3 * time.Second)
	c, err := r.Register(ctx, "u1", Registration{Name: "C"})
	require.NoError(t, err)
	assert.True(t, c.Active)
	assert.Equal(t, t0.Add(3*time.Second), c.LastUsedAt)

	all, err := r.List(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, names(all), "evicted devices are kept, only deactivated")
	assert.False(t, all[0].Active)

	active, err := r.Active(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, names(active))
}

func TestRegister_evictionFollowsLastUse(t *testing.T) {
	at := clock(t)
	ctx := t.Context()
	r := NewRegistry(memstore.New(), WithMaxPerPrincipal(2))

	at(time.Second)
	_, err := r.Register(ctx, "u1", Registration{Name: "A", TokenID: "ta"})
	require.NoError(t, err)
	at(2 * time.Second)
	_, err = r.Register(ctx, "u1", Registration{Name: "B"})
	require.NoError(t, err)

	at(3 * time.Second)
	require.NoError(t, r.Touch(ctx, "u1", "ta"))

	at(4 * time.Second)
	_, err = r.Register(ctx, "u1", Registration{Name: "C"})
	require.NoError(t, err)

	active, err := r.Active(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, names(active), "B was least recently used")
}

func TestRegister_tiesBrokenByRegistrationOrder(t *testing.T) {
	clock(t)
	ctx := t.Context()
	r := NewRegistry(memstore.New(), WithMaxPerPrincipal(2))

	for _, n := range []string{"A", "B", "C", "D"} {
		_, err := r.Register(ctx, "u1", Registration{Name: n})
		require.NoError(t, err)
	}
	active, err := r.Active(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "D"}, names(active))
}

func TestRegister_capInvariant(t *testing.T) {
	at := clock(t)
	ctx := t.Context()
	r := NewRegistry(memstore.New(), WithMaxPerPrincipal(3))

	for i := range 20 {
		at(time.Duration(i) * time.Second)
		_, err := r.Register(ctx, "u1", Registration{Name: fmt.Sprint(i)})
		require.NoError(t, err)

		active, err := r.Active(ctx, "u1")
		require.NoError(t, err)
		require.LessOrEqual(t, len(active), 3)
	}
}

func TestRegister_concurrent(t *testing.T) {
	ctx := t.Context()
	r := NewRegistry(memstore.New(), WithMaxPerPrincipal(2))

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Register(ctx, "u1", Registration{Name: fmt.Sprint(i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	active, err := r.Active(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	all, err := r.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 16)
}

func TestRegister_principalsAreIndependent(t *testing.T) {
	clock(t)
	ctx := t.Context()
	r := NewRegistry(memstore.New(), WithMaxPerPrincipal(1))

	_, err := r.Register(ctx, "u1", Registration{Name: "A"})
	require.NoError(t, err)
	_, err = r.Register(ctx, "u2", Registration{Name: "B"})
	require.NoError(t, err)

	for _, id := range []string{"u1", "u2"} {
		active, err := r.Active(ctx, id)
		require.NoError(t, err)
		assert.Len(t, active, 1)
	}
}

func TestRegister_unlimited(t *testing.T) {
	ctx := t.Context()
	r := NewRegistry(memstore.New(), WithMaxPerPrincipal(0))
	for i := range 15 {
		_, err := r.Register(ctx, "u1", Registration{Name: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	active, err := r.Active(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 15)
}

func TestRegister_defaultsFromRequest(t *testing.T) {
	ctx := serverutil.WithRequest(t.Context(), serverutil.StaticRequest{ClientIP: "10.0.0.1", ClientUA: "ios/17"})
	r := NewRegistry(memstore.New())

	d, err := r.Register(ctx, "u1", Registration{})
	require.NoError(t, err)
	assert.Equal(t, DefaultName, d.Name)
	assert.Equal(t, "10.0.0.1", d.IPAddress)
	assert.Equal(t, "ios/17", d.UserAgent)
	assert.NotEmpty(t, d.ID)

	d, err = r.Register(ctx, "u1", Registration{Name: "laptop", IPAddress: "192.168.1.1"})
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", d.IPAddress, "explicit values win")
	assert.Equal(t, DefaultMaxPerPrincipal, r.MaxPerPrincipal())
}

func TestRegister_countsEvictions(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(memstore.New(), WithMaxPerPrincipal(1), WithMetrics(metrics.New(reg)))
	for range 3 {
		_, err := r.Register(t.Context(), "u1", Registration{})
		require.NoError(t, err)
	}
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "fieldguard_device_evictions_total" {
			assert.InDelta(t, 2, mf.GetMetric()[0].GetCounter().GetValue(), 0)
			return
		}
	}
	t.Fatal("eviction counter not found")
}

func TestTouch(t *testing.T) {
	at := clock(t)
	ctx := t.Context()
	r := NewRegistry(memstore.New())

	d, err := r.Register(ctx, "u1", Registration{TokenID: "tok"})
	require.NoError(t, err)

	at(time.Hour)
	require.NoError(t, r.Touch(ctx, "u1", "tok"))
	got, err := r.ByToken(ctx, "u1", "tok")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, t0.Add(time.Hour), got.LastUsedAt)

	require.NoError(t, r.Touch(ctx, "u1", "missing"), "unknown tokens are a no-op")
	require.NoError(t, r.Touch(ctx, "u1", ""))
	require.NoError(t, r.Touch(ctx, "u2", "tok"), "other principals' devices are not touched")
}

func TestRelink(t *testing.T) {
	ctx := t.Context()
	r := NewRegistry(memstore.New())

	d, err := r.Register(ctx, "u1", Registration{TokenID: "old"})
	require.NoError(t, err)
	require.NoError(t, r.Relink(ctx, "u1", "old", "new"))

	got, err := r.ByToken(ctx, "u1", "new")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d.ID, got.ID)

	got, err = r.ByToken(ctx, "u1", "old")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, r.Relink(ctx, "u1", "nope", "x"))
}

func TestRemove(t *testing.T) {
	ctx := t.Context()
	r := NewRegistry(memstore.New())

	d, err := r.Register(ctx, "u1", Registration{Name: "phone"})
	require.NoError(t, err)

	ok, err := r.Remove(ctx, "u2", d.ID)
	require.NoError(t, err)
	assert.False(t, ok, "cannot remove another principal's device")

	ok, err = r.Remove(ctx, "u1", d.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Remove(ctx, "u1", d.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeactivateAllAndRemoveAll(t *testing.T) {
	ctx := t.Context()
	r := NewRegistry(memstore.New())
	for range 3 {
		_, err := r.Register(ctx, "u1", Registration{})
		require.NoError(t, err)
	}
	_, err := r.Register(ctx, "u2", Registration{})
	require.NoError(t, err)

	n, err := r.DeactivateAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = r.DeactivateAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "idempotent")

	active, err := r.Active(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, active, 1, "other principals are untouched")

	n, err = r.RemoveAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = r.RemoveAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestActivate(t *testing.T) {
	at := clock(t)
	ctx := t.Context()
	r := NewRegistry(memstore.New(), WithMaxPerPrincipal(2))

	at(time.Second)
	a, err := r.Register(ctx, "u1", Registration{Name: "A"})
	require.NoError(t, err)
	at(2 * time.Second)
	_, err = r.Register(ctx, "u1", Registration{Name: "B"})
	require.NoError(t, err)
	at(3 * time.Second)
	_, err = r.Register(ctx, "u1", Registration{Name: "C"})
	require.NoError(t, err)

	at(4 * time.Second)
	got, err := r.Activate(ctx, "u1", a.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)

	active, err := r.Active(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, names(active), "activation stays under the cap")

	_, err = r.Activate(ctx, "u2", a.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

type failingStore struct {
	storage.Store
	err error
}

func (f failingStore) List(context.Context, any, storage.Model) error { return f.err }

func TestStorageErrorsPropagate(t *testing.T) {
	boom := errors.New("connection reset")
	r := NewRegistry(failingStore{Store: memstore.New(), err: boom})

	_, err := r.Register(t.Context(), "u1", Registration{})
	require.ErrorIs(t, err, boom)
	_, err = r.DeactivateAll(t.Context(), "u1")
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, r.Touch(t.Context(), "u1", "tok"), boom)
}

// pausingStore holds the first lookup of a device by token until released.
type pausingStore struct {
	storage.Store
	once    sync.Once
	paused  chan struct{}
	release chan struct{}
}

func (p *pausingStore) List(ctx context.Context, models any, filter storage.Model) error {
	if err := p.Store.List(ctx, models, filter); err != nil {
		return err
	}
	if d, ok := filter.(*Device); ok && d.TokenID != "" {
		p.once.Do(func() {
			close(p.paused)
			<-p.release
		})
	}
	return nil
}

func TestTouch_serializedWithRegister(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   func(r *Registry) error
	}{
		{"touch", func(r *Registry) error { return r.Touch(context.Background(), "u1", "tokA") }},
		{"relink", func(r *Registry) error { return r.Relink(context.Background(), "u1", "tokA", "tokA2") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			at := clock(t)
			ctx := t.Context()
			store := &pausingStore{Store: memstore.New(), paused: make(chan struct{}), release: make(chan struct{})}
			r := NewRegistry(store, WithMaxPerPrincipal(2))

			at(time.Second)
			_, err := r.Register(ctx, "u1", Registration{Name: "A", TokenID: "tokA"})
			require.NoError(t, err)
			at(2 * time.Second)
			_, err = r.Register(ctx, "u1", Registration{Name: "B", TokenID: "tokB"})
			require.NoError(t, err)
			at(3 * time.Second)

			opErr := make(chan error, 1)
			go func() { opErr <- tc.op(r) }()
			<-store.paused

			registered := make(chan error, 1)
			go func() {
				_, err := r.Register(ctx, "u1", Registration{Name: "C", TokenID: "tokC"})
				registered <- err
			}()

			select {
			case <-registered:
				t.Fatal("register completed while the device was being updated")
			case <-time.After(50 * time.Millisecond):
			}

			close(store.release)
			require.NoError(t, <-opErr)
			require.NoError(t, <-registered)

			active, err := r.Active(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, []string{"A", "C"}, names(active), "the freshly used device survives and the cap holds")
		})
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("u1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Empty(t, k.locks, "unused locks are released")
}
