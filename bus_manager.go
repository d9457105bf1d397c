package canopen

import (
	"errors"
	"reflect"
	"sync"

	can "github.com/samsamfire/gocanopen-sdo/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Bus manager is a wrapper around the CAN bus interface
// Used by the SDO engines to control transmit errors and callbacks for specific IDs.
//
// Every identifier owns a single pending transmit slot. When the driver
// rejects a frame with [ErrTxBusy], the frame is kept in that slot and
// [BusManager.TxBusy] reports true until [BusManager.Process] manages to send it.
type BusManager struct {
	mu             sync.Mutex
	txMu           sync.Mutex
	bus            can.Bus // Bus interface that can be adapted
	frameListeners map[uint32][]can.FrameListener
	pending        map[uint32]can.Frame
	canError       uint16
	logger         *log.Entry
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame can.Frame) {
	bm.mu.Lock()
	listeners := bm.frameListeners[frame.ID]
	bm.mu.Unlock()
	for _, listener := range listeners {
		listener.Handle(frame)
	}
}

// Set bus
func (bm *BusManager) SetBus(bus can.Bus) {
	bm.txMu.Lock()
	defer bm.txMu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() can.Bus {
	bm.txMu.Lock()
	defer bm.txMu.Unlock()
	return bm.bus
}

// Send a CAN message
// A frame refused because the driver is busy is buffered and nil is returned.
// Sending another frame with the same identifier while one is pending fails with [ErrTxOverflow].
func (bm *BusManager) Send(frame can.Frame) error {
	bm.txMu.Lock()
	defer bm.txMu.Unlock()
	if bm.bus == nil {
		return ErrNoBus
	}
	if _, busy := bm.pending[frame.ID]; busy {
		bm.canError |= canErrorTxOverflow
		bm.logger.Warnf("frame x%x dropped, previous one still pending", frame.ID)
		return ErrTxOverflow
	}
	err := bm.bus.Send(frame)
	if errors.Is(err, ErrTxBusy) {
		bm.logger.Debugf("driver busy, frame x%x buffered", frame.ID)
		bm.pending[frame.ID] = frame
		return nil
	}
	if err != nil {
		bm.logger.Warnf("%v", err)
	}
	return err
}

// Returns true while a frame with this identifier waits for the driver
func (bm *BusManager) TxBusy(ident uint32) bool {
	bm.txMu.Lock()
	defer bm.txMu.Unlock()
	_, busy := bm.pending[ident]
	return busy
}

// This should be called cyclically to retry buffered frames and update errors
func (bm *BusManager) Process() error {
	bm.txMu.Lock()
	defer bm.txMu.Unlock()
	if bm.bus == nil {
		return ErrNoBus
	}
	bm.canError = 0
	for ident, frame := range bm.pending {
		err := bm.bus.Send(frame)
		if errors.Is(err, ErrTxBusy) {
			continue
		}
		delete(bm.pending, ident)
		if err != nil {
			bm.logger.Warnf("%v", err)
			return err
		}
	}
	return nil
}

// Subscribe to a specific CAN ID
func (bm *BusManager) Subscribe(ident uint32, rtr bool, callback can.FrameListener) error {
	if callback == nil {
		return ErrIllegalArgument
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = canIdent(ident, rtr)
	// Verify that we are not adding the same one twice
	for _, listener := range bm.frameListeners[ident] {
		if sameListener(listener, callback) {
			bm.logger.Warnf("callback for frame id %x already added", ident)
			return nil
		}
	}
	bm.frameListeners[ident] = append(bm.frameListeners[ident], callback)
	return nil
}

// Remove a previously subscribed callback for a specific CAN ID
func (bm *BusManager) Unsubscribe(ident uint32, rtr bool, callback can.FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = canIdent(ident, rtr)
	listeners := bm.frameListeners[ident]
	for i, listener := range listeners {
		if sameListener(listener, callback) {
			bm.frameListeners[ident] = append(listeners[:i:i], listeners[i+1:]...)
			break
		}
	}
	if len(bm.frameListeners[ident]) == 0 {
		delete(bm.frameListeners, ident)
	}
}

// Get CAN error
func (bm *BusManager) Error() uint16 {
	bm.txMu.Lock()
	defer bm.txMu.Unlock()
	return bm.canError
}

const canErrorTxOverflow uint16 = 0x0008

func canIdent(ident uint32, rtr bool) uint32 {
	ident = ident & can.CanSffMask
	if rtr {
		ident |= can.CanRtrFlag
	}
	return ident
}

// Function listeners are not comparable, they are never considered equal
func sameListener(a, b can.FrameListener) bool {
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

func NewBusManager(bus can.Bus) *BusManager {
	bm := &BusManager{
		bus:            bus,
		frameListeners: make(map[uint32][]can.FrameListener),
		pending:        make(map[uint32]can.Frame),
		canError:       0,
		logger:         log.WithField("service", "[CAN]"),
	}
	return bm
}
