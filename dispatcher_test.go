package halcmd_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/halcmd-go"
	"github.com/machinefabric/halcmd-go/metrics"
	"github.com/machinefabric/halcmd-go/wire"
)

const (
	testOUI  = 0x001374
	eventSub = 0x2a
)

// TEST120: undecodable messages are counted and dropped
func TestDispatcherDropsMalformed(t *testing.T) {
	h := newHarness(t, halcmd.Options{})

	h.dc.Dispatcher().Deliver([]byte{0xff, 0x00, 0x01})
	// device frames never carry requests
	h.dispatch(wire.NewRequest(1, 0, 0, 1, 0, -1, nil))

	assert.Equal(t, float64(2), testutil.ToFloat64(h.m.DecodeErrors))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.m.MessagesDropped.WithLabelValues(metrics.DropMalformed)))
}

// TEST121: events fan out to every match in registration order
func TestDispatcherFanOut(t *testing.T) {
	h := newHarness(t, halcmd.Options{})

	var order []string
	record := func(name string) halcmd.Handler {
		return halcmd.HandlerFunc(func(msg *halcmd.Message) error {
			assert.Equal(t, []byte("payload"), msg.Attributes)
			order = append(order, name)
			return nil
		})
	}
	_, err := h.dc.AddListener(halcmd.VendorKey(testOUI, eventSub), record("listener"))
	require.NoError(t, err)
	require.NoError(t, h.dc.RegisterVendorHandler(testOUI, eventSub, record("exclusive")))
	require.NoError(t, h.dc.RegisterVendorHandler(testOUI, eventSub+1, record("other")))

	h.dispatch(wire.NewEvent(uint8(halcmd.KindVendor), testOUI, eventSub, []byte("payload")))

	assert.Equal(t, []string{"listener", "exclusive"}, order)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.m.MessagesReceived.WithLabelValues("EVENT")))
}

// TEST122: ErrStopDispatch ends the fan-out, other errors and panics don't
func TestDispatcherHandlerErrors(t *testing.T) {
	h := newHarness(t, halcmd.Options{})
	key := halcmd.CommandKey(0x30)

	var calls []string
	add := func(name string, ret error, panics bool) {
		_, err := h.dc.AddListener(key, halcmd.HandlerFunc(func(*halcmd.Message) error {
			calls = append(calls, name)
			if panics {
				panic("boom")
			}
			return ret
		}))
		require.NoError(t, err)
	}
	add("fails", errors.New("bad attribute"), false)
	add("panics", nil, true)
	add("stops", halcmd.ErrStopDispatch, false)
	add("never", nil, false)

	h.dispatch(wire.NewEvent(0x30, 0, 0, nil))

	assert.Equal(t, []string{"fails", "panics", "stops"}, calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.m.HandlerErrors.WithLabelValues(key.String())))
	// handlers stay subscribed after failing
	assert.Len(t, h.dc.Subscriptions().MatchAll(0x30, 0, 0), 4)
}

// TEST123: handshake messages without a waiter are dropped, replies are routed
func TestDispatcherOrphansAndUnsolicitedReplies(t *testing.T) {
	h := newHarness(t, halcmd.Options{})

	var got []*halcmd.Message
	require.NoError(t, h.dc.RegisterHandler(0x20, halcmd.HandlerFunc(func(msg *halcmd.Message) error {
		got = append(got, msg)
		return nil
	})))

	h.dispatch(wire.NewAck(5))
	h.dispatch(wire.NewError(6, -95))
	h.dispatch(wire.NewDone(7))
	assert.Equal(t, float64(3), testutil.ToFloat64(h.m.MessagesDropped.WithLabelValues(metrics.DropOrphan)))

	h.dispatch(wire.NewReply(0x20, 0, 0, 8, false, []byte{1}))
	require.Len(t, got, 1)
	assert.Equal(t, halcmd.ClassReply, got[0].Class)

	h.dispatch(wire.NewEvent(0x21, 0, 0, nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.m.MessagesDropped.WithLabelValues(metrics.DropNoMatch)))
}

// refProbe releases the creator's reference from inside the handler.
type refProbe struct {
	cmd             *halcmd.Command
	refsDuring      int32
	destroyedDuring bool
}

func (p *refProbe) Create(req *halcmd.Request) error { return nil }

func (p *refProbe) HandleEvent(*halcmd.Message) error {
	p.refsDuring = p.cmd.Refs()
	p.cmd.Release()
	p.destroyedDuring = p.cmd.Destroyed()
	return nil
}

// TEST124: a command is not destroyed while its handler runs
func TestDispatcherHoldsReferenceDuringHandler(t *testing.T) {
	h := newHarness(t, halcmd.Options{})

	probe := &refProbe{}
	cmd := halcmd.NewCommand(h.dc, 1, probe)
	probe.cmd = cmd
	require.NoError(t, cmd.Subscribe(halcmd.CommandKey(0x22)))

	h.dispatch(wire.NewEvent(0x22, 0, 0, nil))

	assert.Equal(t, int32(2), probe.refsDuring)
	assert.False(t, probe.destroyedDuring)
	assert.True(t, cmd.Destroyed())
	assert.Zero(t, cmd.Refs())
	// destruction removed the subscription
	assert.False(t, h.dc.Subscriptions().Has(halcmd.CommandKey(0x22)))
}
