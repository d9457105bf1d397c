package emergency

import (
	"encoding/binary"

	"github.com/samsamfire/gocanopen-sdo/pkg/od"
)

// [EMCY] read emergency history (0x1003)
// Sub index 0 is the number of errors, most recent error is in sub index 1.
type historyHook struct {
	emcy *EMCY
}

func (hook *historyHook) Access(stream *od.Stream) error {
	if !stream.Reading {
		return od.ErrReadonly
	}
	emcy := hook.emcy
	emcy.mu.Lock()
	defer emcy.mu.Unlock()

	if stream.SubIndex == 0 {
		if len(stream.Data) < 1 {
			return od.ErrDevIncompat
		}
		stream.Data[0] = uint8(len(emcy.history))
		stream.DataLength = 1
		return nil
	}
	if len(stream.Data) < 4 {
		return od.ErrDevIncompat
	}
	if int(stream.SubIndex) > len(emcy.history) {
		return od.ErrNoData
	}
	binary.LittleEndian.PutUint32(stream.Data, emcy.history[stream.SubIndex-1])
	stream.DataLength = 4
	return nil
}
