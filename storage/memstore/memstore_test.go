package memstore

import (
	"context"
	"testing"

	"github.com/dpup/fieldguard/storage"
	"github.com/dpup/fieldguard/storage/storagetests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	storagetests.Run(t, New)
}

type note struct {
	ID   string
	Body string
}

func (n note) PK() string { return n.ID }

func TestCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	require.ErrorIs(t, s.Create(ctx, note{ID: "1"}), context.Canceled)

	exists, err := s.Exists(t.Context(), "1", note{})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReadReturnsCopy(t *testing.T) {
	s := New()
	ctx := t.Context()
	require.NoError(t, s.Create(ctx, note{ID: "1", Body: "original"}))

	var a note
	require.NoError(t, s.Read(ctx, "1", &a))
	a.Body = "changed"

	var b note
	require.NoError(t, s.Read(ctx, "1", &b))
	assert.Equal(t, "original", b.Body)
	assert.Equal(t, "notes", storage.Name(note{}))
}
