// Package device tracks the client surfaces a principal signs in from. Each
// principal has a bounded number of active devices; registering past the cap
// deactivates the least recently used one.
package device

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/internal/ids"
	"github.com/dpup/fieldguard/logging"
	"github.com/dpup/fieldguard/metrics"
	"github.com/dpup/fieldguard/serverutil"
	"github.com/dpup/fieldguard/storage"
)

// DefaultMaxPerPrincipal is the active device cap when none is configured.
const DefaultMaxPerPrincipal = 10

// DefaultName is used for registrations without a name.
const DefaultName = "unknown"

// Stubbed in tests.
var timeFunc = time.Now

// Device is one authenticated client surface of a principal.
type Device struct {
	ID          string
	PrincipalID string
	Name        string
	TokenID     string
	IPAddress   string
	UserAgent   string
	LastUsedAt  time.Time
	Active      bool
	CreatedAt   time.Time
}

func (d *Device) PK() string { return d.ID }

// Registration describes a device being registered. Empty addresses are
// taken from the request on the context.
type Registration struct {
	Name      string
	TokenID   string
	IPAddress string
	UserAgent string
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxPerPrincipal sets the active device cap. Zero or less disables the
// cap.
func WithMaxPerPrincipal(n int) Option {
	return func(r *Registry) {
		r.max = n
	}
}

// WithMetrics counts evictions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry manages devices in a store. Writes for the same principal are
// serialized within a process, and each reads the devices afresh inside the
// lock.
type Registry struct {
	store   storage.Store
	max     int
	metrics *metrics.Metrics
	locks   *keyedMutex
}

// NewRegistry returns a registry backed by store.
func NewRegistry(store storage.Store, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		max:   DefaultMaxPerPrincipal,
		locks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxPerPrincipal returns the configured cap.
func (r *Registry) MaxPerPrincipal() int {
	return r.max
}

// Register creates an active device for the principal, first deactivating
// the least recently used devices until there is room under the cap.
func (r *Registry) Register(ctx context.Context, principalID string, reg Registration) (*Device, error) {
	unlock := r.locks.Lock(principalID)
	defer unlock()

	devices, err := r.List(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if err := r.makeRoom(ctx, principalID, activeOf(devices), ""); err != nil {
		return nil, err
	}

	req := serverutil.RequestFromContext(ctx)
	now := timeFunc()
	d := &Device{
		ID:          ids.NewAt(now),
		PrincipalID: principalID,
		Name:        cmp.Or(reg.Name, DefaultName),
		TokenID:     reg.TokenID,
		IPAddress:   cmp.Or(reg.IPAddress, req.IP()),
		UserAgent:   cmp.Or(reg.UserAgent, req.UserAgent()),
		LastUsedAt:  now,
		Active:      true,
		CreatedAt:   now,
	}
	if err := r.store.Create(ctx, d); err != nil {
		return nil, err
	}
	logging.Debugw(ctx, "device: registered", "device.id", d.ID, "device.name", d.Name)
	return d, nil
}

// makeRoom deactivates the oldest active devices until one more fits under
// the cap. keep is never evicted.
func (r *Registry) makeRoom(ctx context.Context, principalID string, active []*Device, keep string) error {
	if r.max <= 0 {
		return nil
	}
	active = slices.DeleteFunc(active, func(d *Device) bool { return d.ID == keep })
	slices.SortStableFunc(active, leastRecentlyUsed)

	evicted := 0
	for len(active)-evicted >= r.max {
		d := active[evicted]
		d.Active = false
		if err := r.store.Update(ctx, d); err != nil {
			r.metrics.DeviceEvicted(evicted)
			return err
		}
		evicted++
		logging.Infow(ctx, "device: deactivated least recently used device",
			"principal.id", principalID, "device.id", d.ID, "device.last_used_at", d.LastUsedAt)
	}
	r.metrics.DeviceEvicted(evicted)
	return nil
}

// leastRecentlyUsed orders by last use, then registration order.
func leastRecentlyUsed(a, b *Device) int {
	return cmp.Or(
		a.LastUsedAt.Compare(b.LastUsedAt),
		a.CreatedAt.Compare(b.CreatedAt),
		cmp.Compare(a.ID, b.ID),
	)
}

// Touch stamps the device linked to tokenID as used now. It is a no-op when
// there is no such device.
func (r *Registry) Touch(ctx context.Context, principalID, tokenID string) error {
	unlock := r.locks.Lock(principalID)
	defer unlock()

	d, err := r.ByToken(ctx, principalID, tokenID)
	if err != nil || d == nil {
		return err
	}
	d.LastUsedAt = timeFunc()
	return r.store.Update(ctx, d)
}

// ByToken returns the principal's device linked to tokenID, or nil.
func (r *Registry) ByToken(ctx context.Context, principalID, tokenID string) (*Device, error) {
	if tokenID == "" {
		return nil, nil
	}
	var devices []*Device
	if err := r.store.List(ctx, &devices, &Device{PrincipalID: principalID, TokenID: tokenID}); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, nil
	}
	return devices[0], nil
}

// List returns the principal's devices in registration order.
func (r *Registry) List(ctx context.Context, principalID string) ([]*Device, error) {
	if principalID == "" {
		return nil, nil
	}
	var devices []*Device
	if err := r.store.List(ctx, &devices, &Device{PrincipalID: principalID}); err != nil {
		return nil, err
	}
	slices.SortStableFunc(devices, func(a, b *Device) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return devices, nil
}

// Active returns the principal's active devices in registration order.
func (r *Registry) Active(ctx context.Context, principalID string) ([]*Device, error) {
	devices, err := r.List(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return activeOf(devices), nil
}

// Activate reactivates one of the principal's devices, evicting another if
// that is needed to stay under the cap.
func (r *Registry) Activate(ctx context.Context, principalID, deviceID string) (*Device, error) {
	unlock := r.locks.Lock(principalID)
	defer unlock()

	devices, err := r.List(ctx, principalID)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(devices, func(d *Device) bool { return d.ID == deviceID })
	if i < 0 {
		return nil, errors.Mark(storage.ErrNotFound, 0)
	}
	d := devices[i]
	if d.Active {
		return d, nil
	}
	if err := r.makeRoom(ctx, principalID, activeOf(devices), d.ID); err != nil {
		return nil, err
	}
	d.Active = true
	d.LastUsedAt = timeFunc()
	if err := r.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Relink points the device linked to oldTokenID at newTokenID, as happens
// when a token is rotated. It is a no-op when no device is linked.
func (r *Registry) Relink(ctx context.Context, principalID, oldTokenID, newTokenID string) error {
	unlock := r.locks.Lock(principalID)
	defer unlock()

	d, err := r.ByToken(ctx, principalID, oldTokenID)
	if err != nil || d == nil {
		return err
	}
	d.TokenID = newTokenID
	d.LastUsedAt = timeFunc()
	return r.store.Update(ctx, d)
}

// Remove deletes one of the principal's devices. It reports false when the
// device does not exist or belongs to someone else.
func (r *Registry) Remove(ctx context.Context, principalID, deviceID string) (bool, error) {
	var d Device
	if err := r.store.Read(ctx, deviceID, &d); err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if d.PrincipalID != principalID {
		return false, nil
	}
	if err := r.store.Delete(ctx, &d); err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeactivateAll deactivates every device of the principal and returns how
// many changed.
func (r *Registry) DeactivateAll(ctx context.Context, principalID string) (int, error) {
	unlock := r.locks.Lock(principalID)
	defer unlock()

	devices, err := r.List(ctx, principalID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range activeOf(devices) {
		d.Active = false
		if err := r.store.Update(ctx, d); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RemoveAll deletes every device of the principal and returns how many were
// deleted.
func (r *Registry) RemoveAll(ctx context.Context, principalID string) (int, error) {
	unlock := r.locks.Lock(principalID)
	defer unlock()

	devices, err := r.List(ctx, principalID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range devices {
		if err := r.store.Delete(ctx, d); err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func activeOf(devices []*Device) []*Device {
	var active []*Device
	for _, d := range devices {
		if d.Active {
			active = append(active, d)
		}
	}
	return active
}
