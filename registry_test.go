package halcmd_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/halcmd-go"
)

// TEST101: a request id stays taken until it is unregistered
func TestRegistryRejectsDuplicateID(t *testing.T) {
	h := newHarness(t, halcmd.Options{})
	reg := h.dc.Commands()

	c1 := halcmd.NewCommand(h.dc, 7, &recorder{})
	c2 := halcmd.NewCommand(h.dc, 7, &recorder{})
	require.NoError(t, reg.Register(7, c1))

	err := reg.Register(7, c2)
	assert.ErrorIs(t, err, halcmd.ErrAlreadyRegistered)

	got, ok := reg.Lookup(7)
	require.True(t, ok)
	assert.Same(t, c1, got)

	_, ok = reg.Unregister(7)
	require.True(t, ok)
	assert.NoError(t, reg.Register(7, c2))
}

// TEST102: lookup after unregister finds nothing and unregister is idempotent
func TestRegistryLookupAfterUnregister(t *testing.T) {
	h := newHarness(t, halcmd.Options{})
	reg := h.dc.Commands()

	for id := halcmd.RequestID(1); id <= 5; id++ {
		require.NoError(t, reg.Register(id, halcmd.NewCommand(h.dc, id, &recorder{})))
	}
	assert.Equal(t, 5, reg.Len())
	assert.Equal(t, float64(5), testutil.ToFloat64(h.m.CommandsInFlight))

	for id := halcmd.RequestID(1); id <= 5; id++ {
		cmd, ok := reg.Unregister(id)
		require.True(t, ok)
		assert.Equal(t, id, cmd.ID())
		_, ok = reg.Lookup(id)
		assert.False(t, ok)
		_, ok = reg.Unregister(id)
		assert.False(t, ok)
	}
	assert.Zero(t, reg.Len())
	assert.Zero(t, testutil.ToFloat64(h.m.CommandsInFlight))
}

// TEST103: a bounded registry reports OutOfSlots when full
func TestRegistryCapacity(t *testing.T) {
	h := newHarness(t, halcmd.Options{MaxCommands: 2})
	reg := h.dc.Commands()

	require.NoError(t, reg.Register(1, halcmd.NewCommand(h.dc, 1, &recorder{})))
	require.NoError(t, reg.Register(2, halcmd.NewCommand(h.dc, 2, &recorder{})))

	err := reg.Register(3, halcmd.NewCommand(h.dc, 3, &recorder{}))
	assert.ErrorIs(t, err, halcmd.ErrOutOfSlots)
	assert.True(t, halcmd.IsTransient(err))

	reg.Unregister(1)
	assert.NoError(t, reg.Register(3, halcmd.NewCommand(h.dc, 3, &recorder{})))
}

// TEST104: commands can be removed by identity and drained
func TestRegistryUnregisterCommandAndDrain(t *testing.T) {
	h := newHarness(t, halcmd.Options{})
	reg := h.dc.Commands()

	a := halcmd.NewCommand(h.dc, 10, &recorder{})
	b := halcmd.NewCommand(h.dc, 11, &recorder{})
	require.NoError(t, a.Register())
	require.NoError(t, b.Register())

	assert.True(t, reg.UnregisterCommand(a))
	assert.False(t, reg.UnregisterCommand(a))

	drained := reg.Drain()
	require.Len(t, drained, 1)
	assert.Same(t, b, drained[0])
	assert.Zero(t, reg.Len())
}
