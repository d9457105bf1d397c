package socketcan

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	sockcan "github.com/brutella/can"
	canopen "github.com/samsamfire/gocanopen-sdo"
	can "github.com/samsamfire/gocanopen-sdo/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Wrapper around the socketcan implementation of https://github.com/brutella/can
// A full kernel transmit queue is reported as [canopen.ErrTxBusy] so that
// the frame stays pending inside of [canopen.BusManager].

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	mu         sync.Mutex
	name       string
	bus        *sockcan.Bus
	rxCallback can.FrameListener
	logger     *log.Entry
}

// "Connect" implementation of Bus interface
func (socketcan *SocketcanBus) Connect(...any) error {
	go func() {
		err := socketcan.bus.ConnectAndPublish()
		if err != nil {
			socketcan.logger.Warnf("publishing stopped : %v", err)
		}
	}()
	socketcan.logger.Infof("connected to %v", socketcan.name)
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketcanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketcanBus) Send(frame can.Frame) error {
	err := socketcan.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	})
	if errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.EAGAIN) {
		return canopen.ErrTxBusy
	}
	if err != nil {
		return fmt.Errorf("socketcan %v send x%x : %w", socketcan.name, frame.ID, err)
	}
	return nil
}

// "Subscribe" implementation of Bus interface
func (socketcan *SocketcanBus) Subscribe(rxCallback can.FrameListener) error {
	socketcan.mu.Lock()
	socketcan.rxCallback = rxCallback
	socketcan.mu.Unlock()
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketcanBus) Handle(frame sockcan.Frame) {
	socketcan.mu.Lock()
	callback := socketcan.rxCallback
	socketcan.mu.Unlock()
	if callback == nil {
		return
	}
	callback.Handle(can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

func NewSocketCanBus(name string) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, fmt.Errorf("socketcan %v : %w", name, err)
	}
	return &SocketcanBus{
		name:   name,
		bus:    bus,
		logger: log.WithFields(log.Fields{"service": "[CAN]", "channel": name}),
	}, nil
}
