package virtual

import (
	"sync"
	"testing"

	canopen "github.com/samsamfire/gocanopen-sdo"
	can "github.com/samsamfire/gocanopen-sdo/pkg/can"
	"github.com/stretchr/testify/assert"
)

type FrameReceiver struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (frameReceiver *FrameReceiver) Handle(frame can.Frame) {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	frameReceiver.frames = append(frameReceiver.frames, frame)
}

func newVcan(t *testing.T, channel string) *Bus {
	canBus, err := can.NewBus("virtual", channel)
	assert.Nil(t, err)
	vcan, ok := canBus.(*Bus)
	assert.True(t, ok)
	assert.Nil(t, vcan.Connect())
	return vcan
}

func TestSendAndSubscribe(t *testing.T) {
	vcan1 := newVcan(t, t.Name())
	vcan2 := newVcan(t, t.Name())
	defer vcan1.Disconnect()
	defer vcan2.Disconnect()
	frameReceiver := &FrameReceiver{}
	assert.Nil(t, vcan2.Subscribe(frameReceiver))
	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := 0; i < 10; i++ {
		frame.Data[0] = uint8(i)
		assert.Nil(t, vcan1.Send(frame))
	}
	assert.Len(t, frameReceiver.frames, 10)
	for i, frame := range frameReceiver.frames {
		assert.EqualValues(t, 0x111, frame.ID)
		assert.EqualValues(t, uint8(i), frame.Data[0])
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	vcan1 := newVcan(t, t.Name()+"a")
	vcan2 := newVcan(t, t.Name()+"b")
	defer vcan1.Disconnect()
	defer vcan2.Disconnect()
	frameReceiver := &FrameReceiver{}
	_ = vcan2.Subscribe(frameReceiver)
	assert.Nil(t, vcan1.Send(can.NewFrame(0x123, 0, 8)))
	assert.Len(t, frameReceiver.frames, 0)
}

func TestReceiveOwn(t *testing.T) {
	vcan1 := newVcan(t, t.Name())
	defer vcan1.Disconnect()
	frameReceiver := &FrameReceiver{}
	_ = vcan1.Subscribe(frameReceiver)
	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	_ = vcan1.Send(frame)
	assert.Len(t, frameReceiver.frames, 0)

	// Activate receive own
	vcan1.SetReceiveOwn(true)
	_ = vcan1.Send(frame)
	assert.Len(t, frameReceiver.frames, 1)
}

func TestTxBusyAndDisconnected(t *testing.T) {
	vcan1 := newVcan(t, t.Name())
	vcan1.SetTxBusy(true)
	assert.ErrorIs(t, vcan1.Send(can.NewFrame(0x1, 0, 8)), canopen.ErrTxBusy)
	vcan1.SetTxBusy(false)
	assert.Nil(t, vcan1.Send(can.NewFrame(0x1, 0, 8)))
	assert.Nil(t, vcan1.Disconnect())
	assert.ErrorIs(t, vcan1.Send(can.NewFrame(0x1, 0, 8)), ErrNotConnected)
}
