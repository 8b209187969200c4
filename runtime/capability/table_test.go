package capability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type surface struct{ name string }

func TestRegisterResolve(t *testing.T) {
	table := NewTable()

	a, err := table.Register(&surface{name: "a"})
	require.NoError(t, err)
	b, err := table.Borrow(&surface{name: "b"})
	require.NoError(t, err)

	assert.NotEqual(t, a.Handle(), b.Handle())
	assert.Equal(t, 2, table.Len())

	got, err := Resolve[*surface](table, a.Handle())
	require.NoError(t, err)
	assert.Equal(t, "a", got.name)

	kind, err := table.KindOf(b.Handle())
	require.NoError(t, err)
	assert.Equal(t, KindBorrowed, kind)
}

func TestResolveUnknownHandle(t *testing.T) {
	table := NewTable()

	_, err := table.Resolve(Handle(12345))
	assert.ErrorIs(t, err, ErrInvalidHandle)

	var herr *HandleError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "resolve", herr.Op)
}

func TestResolveWrongType(t *testing.T) {
	table := NewTable()
	o, err := table.Register("not a surface")
	require.NoError(t, err)

	_, err = Resolve[*surface](table, o.Handle())
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestReleaseTwice(t *testing.T) {
	table := NewTable()

	victim, err := table.Register(&surface{name: "victim"})
	require.NoError(t, err)
	bystander, err := table.Register(&surface{name: "bystander"})
	require.NoError(t, err)

	require.NoError(t, table.Release(victim.Handle()))
	err = table.Release(victim.Handle())
	assert.ErrorIs(t, err, ErrDoubleRelease)

	_, err = table.Resolve(victim.Handle())
	assert.ErrorIs(t, err, ErrInvalidHandle)

	got, err := Resolve[*surface](table, bystander.Handle())
	require.NoError(t, err)
	assert.Equal(t, "bystander", got.name)
	assert.Equal(t, 1, table.Len())
}

func TestReleaseAfterSlotReuse(t *testing.T) {
	table := NewTable()

	first, err := table.Register(&surface{name: "first"})
	require.NoError(t, err)
	require.NoError(t, table.Drop(first))

	second, err := table.Register(&surface{name: "second"})
	require.NoError(t, err)
	assert.Equal(t, first.Handle().index(), second.Handle().index(), "free slot is recycled")
	assert.NotEqual(t, first.Handle(), second.Handle())

	// The stale handle must not reach the new occupant.
	assert.ErrorIs(t, table.Release(first.Handle()), ErrDoubleRelease)
	_, err = table.Resolve(first.Handle())
	assert.ErrorIs(t, err, ErrInvalidHandle)

	got, err := Resolve[*surface](table, second.Handle())
	require.NoError(t, err)
	assert.Equal(t, "second", got.name)
}

func TestLiveSlotIndexNeverReused(t *testing.T) {
	table := NewTable()
	seen := make(map[uint32]bool)
	for i := 0; i < 64; i++ {
		o, err := table.Register(i)
		require.NoError(t, err)
		assert.False(t, seen[o.Handle().index()], "index %d reused while live", o.Handle().index())
		seen[o.Handle().index()] = true
	}
}

func TestReleaseBorrowed(t *testing.T) {
	table := NewTable()
	b, err := table.Borrow(&surface{name: "screen"})
	require.NoError(t, err)

	err = table.Release(b.Handle())
	assert.ErrorIs(t, err, ErrBorrowedHandleReleased)

	_, err = table.Resolve(b.Handle())
	assert.NoError(t, err, "rejected release leaves the borrowed slot intact")
}

func TestHandleIsolationAcrossTables(t *testing.T) {
	older := NewTable()
	newer := NewTable()

	o, err := older.Register(&surface{name: "old screen"})
	require.NoError(t, err)
	_, err = newer.Register(&surface{name: "new screen"})
	require.NoError(t, err)

	_, err = newer.Resolve(o.Handle())
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, newer.Release(o.Handle()), ErrInvalidHandle)
}

func TestClose(t *testing.T) {
	table := NewTable()
	o, err := table.Register(&surface{})
	require.NoError(t, err)

	table.Close()

	_, err = table.Resolve(o.Handle())
	assert.ErrorIs(t, err, ErrInvalidHandle)
	_, err = table.Register(&surface{})
	assert.ErrorIs(t, err, ErrTableClosed)
	assert.Equal(t, 0, table.Len())
}

func TestHandleFitsInFloat64(t *testing.T) {
	table := NewTable()
	o, err := table.Register(1)
	require.NoError(t, err)

	h := o.Handle()
	assert.Equal(t, h, Handle(float64(h)))
}
