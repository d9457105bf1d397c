package can

import (
	"fmt"
	"sort"
	"sync"
)

const CanRtrFlag uint32 = 0x40000000
const CanSffMask uint32 = 0x000007FF

// A CAN frame
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// FrameListenerFunc adapts a plain function to [FrameListener]
type FrameListenerFunc func(frame Frame)

func (f FrameListenerFunc) Handle(frame Frame) {
	f(frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

type NewInterfaceFunc func(channel string) (Bus, error)

var (
	registryMu        sync.RWMutex
	interfaceRegistry = make(map[string]NewInterfaceFunc)
)

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	interfaceRegistry[interfaceType] = newInterface
}

// Interfaces returns the registered interface types, sorted
func Interfaces() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create a new CAN bus with given interface
// Currently supported : socketcan, virtual
func NewBus(canInterface string, channel string) (Bus, error) {
	registryMu.RLock()
	createInterface, ok := interfaceRegistry[canInterface]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}
