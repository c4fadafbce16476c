package halcmd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/halcmd-go"
)

func nopHandler() halcmd.Handler {
	return halcmd.HandlerFunc(func(*halcmd.Message) error { return nil })
}

// TEST110: one exclusive handler per key
func TestSubscriptionExclusiveHandler(t *testing.T) {
	tbl := halcmd.NewSubscriptionTable(0, nil)

	require.NoError(t, tbl.RegisterHandler(0x22, nopHandler(), nil))
	err := tbl.RegisterHandler(0x22, nopHandler(), nil)
	assert.ErrorIs(t, err, halcmd.ErrAlreadyRegistered)
	assert.True(t, tbl.Has(halcmd.CommandKey(0x22)))

	require.NoError(t, tbl.UnregisterHandler(0x22))
	assert.False(t, tbl.Has(halcmd.CommandKey(0x22)))
	// removing a missing handler is not an error
	assert.NoError(t, tbl.UnregisterHandler(0x22))
}

// TEST111: vendor handlers must go through the vendor API
func TestSubscriptionVendorKindNeedsVendorAPI(t *testing.T) {
	tbl := halcmd.NewSubscriptionTable(0, nil)

	err := tbl.RegisterHandler(halcmd.KindVendor, nopHandler(), nil)
	assert.ErrorIs(t, err, halcmd.ErrInvalidOperation)

	require.NoError(t, tbl.RegisterVendorHandler(0x001374, 1, nopHandler(), nil))
	err = tbl.UnregisterHandler(halcmd.KindVendor)
	assert.ErrorIs(t, err, halcmd.ErrInvalidOperation)
	assert.True(t, tbl.Has(halcmd.VendorKey(0x001374, 1)))

	tbl.UnregisterVendorHandler(0x001374, 1)
	assert.Zero(t, tbl.Len())
}

// TEST112: vendor messages match only the exact (vendor id, sub-command)
func TestSubscriptionVendorExactMatch(t *testing.T) {
	tbl := halcmd.NewSubscriptionTable(0, nil)
	require.NoError(t, tbl.RegisterVendorHandler(0x001374, 1, nopHandler(), nil))
	require.NoError(t, tbl.RegisterVendorHandler(0x001374, 2, nopHandler(), nil))
	require.NoError(t, tbl.RegisterVendorHandler(0x00a0c6, 1, nopHandler(), nil))
	_, err := tbl.AddListener(halcmd.VendorKey(0x001374, 1), nopHandler())
	require.NoError(t, err)

	subs := tbl.MatchAll(halcmd.KindVendor, 0x001374, 1)
	require.Len(t, subs, 2)
	for _, s := range subs {
		assert.Equal(t, halcmd.VendorKey(0x001374, 1), s.Key)
	}
	assert.False(t, subs[0].Listener)
	assert.True(t, subs[1].Listener)

	assert.Len(t, tbl.MatchAll(halcmd.KindVendor, 0x001374, 3), 0)
	assert.Len(t, tbl.MatchAll(halcmd.KindVendor, 0x00a0c6, 2), 0)
	// vendor routing fields are ignored for plain kinds
	require.NoError(t, tbl.RegisterHandler(0x30, nopHandler(), nil))
	assert.Len(t, tbl.MatchAll(0x30, 0x001374, 1), 1)
}

// TEST113: listeners share a key and are removed one by one
func TestSubscriptionListeners(t *testing.T) {
	tbl := halcmd.NewSubscriptionTable(0, nil)
	key := halcmd.CommandKey(0x22)

	id1, err := tbl.AddListener(key, nopHandler())
	require.NoError(t, err)
	id2, err := tbl.AddListener(key, nopHandler())
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	// listeners don't block the exclusive slot
	require.NoError(t, tbl.RegisterKey(key, nopHandler(), nil))

	snapshot := tbl.MatchAll(0x22, 0, 0)
	assert.Len(t, snapshot, 3)

	tbl.RemoveListener(id1)
	assert.Len(t, tbl.MatchAll(0x22, 0, 0), 2)
	// the earlier snapshot is unaffected
	assert.Len(t, snapshot, 3)

	tbl.UnregisterKey(key)
	subs := tbl.MatchAll(0x22, 0, 0)
	require.Len(t, subs, 1)
	assert.Equal(t, id2, subs[0].ID)
}

// TEST114: ReplaceHandler swaps the exclusive handler in place
func TestSubscriptionReplaceHandler(t *testing.T) {
	tbl := halcmd.NewSubscriptionTable(0, nil)
	key := halcmd.CommandKey(0x40)

	var hits []string
	first := halcmd.HandlerFunc(func(*halcmd.Message) error { hits = append(hits, "first"); return nil })
	second := halcmd.HandlerFunc(func(*halcmd.Message) error { hits = append(hits, "second"); return nil })

	require.NoError(t, tbl.ReplaceHandler(key, first, nil))
	require.NoError(t, tbl.ReplaceHandler(key, second, nil))
	subs := tbl.MatchAll(0x40, 0, 0)
	require.Len(t, subs, 1)
	require.NoError(t, subs[0].Handler.HandleMessage(&halcmd.Message{Kind: 0x40}))
	assert.Equal(t, []string{"second"}, hits)

	assert.ErrorIs(t, tbl.ReplaceHandler(key, nil, nil), halcmd.ErrInvalidOperation)
}

// TEST115: capacity, nil handlers and owner cleanup
func TestSubscriptionCapacityAndOwners(t *testing.T) {
	tbl := halcmd.NewSubscriptionTable(2, nil)
	owner := halcmd.NewCommand(nil, 1, nil)

	_, err := tbl.AddListener(halcmd.CommandKey(1), nil)
	assert.ErrorIs(t, err, halcmd.ErrInvalidOperation)

	require.NoError(t, tbl.RegisterKey(halcmd.CommandKey(1), nopHandler(), owner))
	_, err = tbl.AddListener(halcmd.CommandKey(1), nopHandler())
	require.NoError(t, err)
	err = tbl.RegisterKey(halcmd.CommandKey(2), nopHandler(), owner)
	assert.ErrorIs(t, err, halcmd.ErrOutOfSlots)

	assert.Equal(t, 1, tbl.RemoveOwner(owner))
	assert.Equal(t, 1, tbl.Len())
	require.NoError(t, tbl.RegisterKey(halcmd.CommandKey(2), nopHandler(), owner))

	drained := tbl.Drain()
	assert.Len(t, drained, 2)
	assert.Zero(t, tbl.Len())
}
