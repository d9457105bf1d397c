package od

import (
	"encoding/binary"
	"sync"
)

// Set when multi-byte values stored in host order must be swapped
var hostBigEndian = binary.NativeEndian.Uint16([]byte{0x12, 0x34}) == 0x1234

// A Stream holds the state of one transfer between the transfer buffer of
// an SDO and an OD entry. It is initialized with [ObjectDictionary.InitStream]
// and is also handed to the [Hook] of the entry, if any.
type Stream struct {
	// Index of the accessed entry
	Index uint16
	// Sub index of the accessed entry
	SubIndex uint8
	// Attribute of the accessed sub entry e.g. AttributeSdoR
	Attribute uint8
	// Window of the transfer buffer, the value is read into or written
	// from Data[:DataLength]
	Data []byte
	// Length of the valid data inside of Data. When reading a domain,
	// the hook sets it to the number of bytes produced.
	DataLength uint32
	// Total length of the value if known, 0 otherwise (domains)
	DataLengthTotal uint32
	// True when the current access is a read
	Reading bool
	// True on the first access of a transfer
	FirstSegment bool
	// Cleared by a hook on read if more data follows.
	// Cleared by the SDO on write if more data follows.
	LastSegment bool

	entry     *Entry
	memory    []byte
	mu        *sync.RWMutex
	variable  *Variable
	domain    bool
	hostOrder bool
}

// Entry returns the accessed entry
func (stream *Stream) Entry() *Entry {
	return stream.entry
}

// IsDomain is true if the entry has no memory inside of OD, its
// length is then application specific
func (stream *Stream) IsDomain() bool {
	return stream.domain
}

// InitStream prepares stream for transferring the value at (index, subIndex)
// using buffer as the transfer buffer.
// Index and SubIndex of the stream are set even on error.
func (od *ObjectDictionary) InitStream(stream *Stream, index uint16, subIndex uint8, buffer []byte) error {
	*stream = Stream{Index: index, SubIndex: subIndex, Data: buffer}
	handle, ok := od.Find(index)
	if !ok {
		return ErrIdxNotExist
	}
	entry := od.Entry(handle)
	if subIndex > entry.MaxSubIndex() {
		return ErrSubNotExist
	}
	stream.entry = entry
	stream.Attribute = od.Attribute(handle, subIndex)

	if isArrayCount(entry, subIndex) {
		stream.memory = []byte{entry.MaxSubIndex()}
	} else {
		variable, err := entry.SubIndex(subIndex)
		if err != nil {
			return err
		}
		stream.variable = variable
		stream.mu = &variable.mu
		stream.domain = variable.IsDomain()
		stream.hostOrder = variable.HostOrder
		if !stream.domain {
			stream.memory = variable.value
		}
	}
	if stream.domain {
		stream.DataLength = uint32(len(buffer))
	} else {
		stream.DataLength = uint32(len(stream.memory))
		stream.DataLengthTotal = stream.DataLength
	}
	stream.FirstSegment = true
	stream.LastSegment = true

	if stream.DataLength > uint32(len(buffer)) {
		return ErrDevIncompat
	}
	return nil
}

// Read the value from OD into Data.
// The hook is called after the copy, it may update DataLength and
// clear LastSegment. Data is then converted to little endian.
func (stream *Stream) Read() error {
	if stream.Attribute&AttributeSdoR == 0 {
		return ErrWriteOnly
	}
	hook := stream.hook()
	if !stream.domain {
		stream.rlock()
		stream.DataLength = uint32(copy(stream.Data, stream.memory))
		stream.runlock()
	} else if hook == nil {
		// Domain entries require a hook
		return ErrDevIncompat
	}
	stream.Reading = true
	if hook != nil {
		err := hook.Access(stream)
		if err != nil {
			return err
		}
		if stream.DataLength == 0 || stream.DataLength > uint32(len(stream.Data)) {
			return ErrDevIncompat
		}
	}
	if stream.DataLength == 0 {
		return ErrNoData
	}
	stream.FirstSegment = false
	stream.swap()
	return nil
}

// Write length bytes of Data to OD.
// Data is converted to host order if required, then the hook is called
// and finally the value is copied to OD memory.
func (stream *Stream) Write(length uint32) error {
	if stream.Attribute&AttributeSdoW == 0 {
		return ErrReadonly
	}
	if length > uint32(len(stream.Data)) {
		return ErrDataLong
	}
	// Length of domain data is application specific
	if stream.domain {
		stream.DataLength = length
	} else if stream.DataLength != length {
		return ErrTypeMismatch
	}
	stream.swap()
	stream.Reading = false
	if hook := stream.hook(); hook != nil {
		err := hook.Access(stream)
		if err != nil {
			return err
		}
	}
	stream.FirstSegment = false
	if stream.domain || stream.variable == nil {
		return nil
	}
	stream.variable.mu.Lock()
	defer stream.variable.mu.Unlock()
	copy(stream.variable.value, stream.Data[:length])
	return nil
}

func (stream *Stream) hook() Hook {
	if stream.entry == nil {
		return nil
	}
	return stream.entry.hook
}

func (stream *Stream) rlock() {
	if stream.mu != nil {
		stream.mu.RLock()
	}
}

func (stream *Stream) runlock() {
	if stream.mu != nil {
		stream.mu.RUnlock()
	}
}

// Swap bytes of multi-byte values stored in host order on big endian hosts
func (stream *Stream) swap() {
	if !hostBigEndian || !stream.hostOrder || stream.Attribute&AttributeMb == 0 {
		return
	}
	data := stream.Data[:stream.DataLength]
	for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
		data[i], data[j] = data[j], data[i]
	}
}
