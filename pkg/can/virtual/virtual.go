package virtual

import (
	"errors"
	"sync"

	canopen "github.com/samsamfire/gocanopen-sdo"
	can "github.com/samsamfire/gocanopen-sdo/pkg/can"
)

// In-process virtual CAN bus, primarily used for testing.
// Every bus created on the same channel name is attached to the same hub
// and receives the frames sent by the other buses of that hub.
// Delivery is synchronous, in the goroutine of the sender.

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

var ErrNotConnected = errors.New("error : no active connection, abort send")

type hub struct {
	mu    sync.Mutex
	buses map[*Bus]struct{}
}

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*hub)
)

func getHub(channel string) *hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[channel]
	if !ok {
		h = &hub{buses: make(map[*Bus]struct{})}
		hubs[channel] = h
	}
	return h
}

func (h *hub) peers(sender *Bus) []*Bus {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]*Bus, 0, len(h.buses))
	for b := range h.buses {
		if b != sender {
			peers = append(peers, b)
		}
	}
	return peers
}

type Bus struct {
	mu           sync.Mutex
	channel      string
	hub          *hub
	connected    bool
	receiveOwn   bool
	txBusy       bool
	framehandler can.FrameListener
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel}, nil
}

// "Connect" attaches the bus to the hub of its channel
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.hub = getHub(b.channel)
	b.hub.mu.Lock()
	b.hub.buses[b] = struct{}{}
	b.hub.mu.Unlock()
	b.connected = true
	return nil
}

// "Disconnect" detaches the bus from its hub
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.hub.mu.Lock()
	delete(b.hub.buses, b)
	b.hub.mu.Unlock()
	b.connected = false
	return nil
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	connected := b.connected
	busy := b.txBusy
	receiveOwn := b.receiveOwn
	handler := b.framehandler
	b.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if busy {
		return canopen.ErrTxBusy
	}
	// Local loopback
	if receiveOwn && handler != nil {
		handler.Handle(frame)
	}
	for _, peer := range b.hub.peers(b) {
		peer.deliver(frame)
	}
	return nil
}

func (b *Bus) deliver(frame can.Frame) {
	b.mu.Lock()
	handler := b.framehandler
	b.mu.Unlock()
	if handler != nil {
		handler.Handle(frame)
	}
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	return nil
}

func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

// SetTxBusy makes every following Send fail with [canopen.ErrTxBusy]
// until it is called again with false.
func (b *Bus) SetTxBusy(busy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txBusy = busy
}
