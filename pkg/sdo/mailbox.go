package sdo

import (
	"sync"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/pkg/can"
)

// mailbox holds at most one received frame until it is processed.
// It is written by the CAN receive callback and consumed by Process.
type mailbox struct {
	mu     sync.Mutex
	msg    Message
	rxNew  bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// Store frame, a frame received while the previous one is still
// unprocessed is dropped
func (m *mailbox) put(frame can.Frame) error {
	if frame.DLC != 8 {
		return canopen.ErrRxMsgLength
	}
	m.mu.Lock()
	if m.rxNew {
		m.mu.Unlock()
		return canopen.ErrRxOverflow
	}
	m.msg = frame.Data
	m.rxNew = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *mailbox) peek() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.msg, m.rxNew
}

func (m *mailbox) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rxNew = false
}
