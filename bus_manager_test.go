package canopen_test

import (
	"sync"
	"testing"

	canopen "github.com/samsamfire/gocanopen-sdo"
	can "github.com/samsamfire/gocanopen-sdo/pkg/can"
	"github.com/samsamfire/gocanopen-sdo/pkg/can/virtual"
	"github.com/stretchr/testify/assert"
)

type frameCounter struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (c *frameCounter) Handle(frame can.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func newBusPair(t *testing.T) (*virtual.Bus, *virtual.Bus) {
	bus1, _ := virtual.NewVirtualCanBus(t.Name())
	bus2, _ := virtual.NewVirtualCanBus(t.Name())
	assert.Nil(t, bus1.Connect())
	assert.Nil(t, bus2.Connect())
	t.Cleanup(func() {
		bus1.Disconnect()
		bus2.Disconnect()
	})
	return bus1.(*virtual.Bus), bus2.(*virtual.Bus)
}

func TestBusManagerDispatch(t *testing.T) {
	bus1, bus2 := newBusPair(t)
	bm := canopen.NewBusManager(bus2)
	assert.Nil(t, bus2.Subscribe(bm))

	counter := &frameCounter{}
	assert.Nil(t, bm.Subscribe(0x601, false, counter))
	// Adding twice is a no-op
	assert.Nil(t, bm.Subscribe(0x601, false, counter))

	assert.Nil(t, bus1.Send(can.NewFrame(0x601, 0, 8)))
	assert.Nil(t, bus1.Send(can.NewFrame(0x602, 0, 8)))
	assert.Len(t, counter.frames, 1)

	bm.Unsubscribe(0x601, false, counter)
	assert.Nil(t, bus1.Send(can.NewFrame(0x601, 0, 8)))
	assert.Len(t, counter.frames, 1)
}

func TestBusManagerPendingFrame(t *testing.T) {
	bus1, bus2 := newBusPair(t)
	counter := &frameCounter{}
	_ = bus2.Subscribe(counter)
	bm := canopen.NewBusManager(bus1)

	bus1.SetTxBusy(true)
	assert.Nil(t, bm.Send(can.NewFrame(0x581, 0, 8)))
	assert.True(t, bm.TxBusy(0x581))
	assert.False(t, bm.TxBusy(0x582))
	assert.ErrorIs(t, bm.Send(can.NewFrame(0x581, 0, 8)), canopen.ErrTxOverflow)

	// Still busy, nothing sent
	assert.Nil(t, bm.Process())
	assert.True(t, bm.TxBusy(0x581))
	assert.Len(t, counter.frames, 0)

	bus1.SetTxBusy(false)
	assert.Nil(t, bm.Process())
	assert.False(t, bm.TxBusy(0x581))
	assert.Len(t, counter.frames, 1)
}

func TestBusManagerNoBus(t *testing.T) {
	bm := canopen.NewBusManager(nil)
	assert.ErrorIs(t, bm.Send(can.NewFrame(0x1, 0, 8)), canopen.ErrNoBus)
	assert.ErrorIs(t, bm.Subscribe(0x1, false, nil), canopen.ErrIllegalArgument)
}
