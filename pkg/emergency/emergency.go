package emergency

import (
	"encoding/binary"
	"sync"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/pkg/can"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
	log "github.com/sirupsen/logrus"
)

const EmergencyErrorStatusBits = 80
const ServiceId = 0x80

// Error register values
const (
	ErrRegGeneric       = 0x01 // bit 0 - generic error
	ErrRegCurrent       = 0x02 // bit 1 - current
	ErrRegVoltage       = 0x04 // bit 2 - voltage
	ErrRegTemperature   = 0x08 // bit 3 - temperature
	ErrRegCommunication = 0x10 // bit 4 - communication error
	ErrRegDevProfile    = 0x20 // bit 5 - device profile specific
	ErrRegReserved      = 0x40 // bit 6 - reserved (always 0)
	ErrRegManufacturer  = 0x80 // bit 7 - manufacturer specific
)

// Error codes
const (
	ErrNoError          = 0x0000
	ErrGeneric          = 0x1000
	ErrCurrent          = 0x2000
	ErrVoltage          = 0x3000
	ErrTemperature      = 0x4000
	ErrHardware         = 0x5000
	ErrSoftwareDevice   = 0x6000
	ErrSoftwareInternal = 0x6100
	ErrSoftwareUser     = 0x6200
	ErrDataSet          = 0x6300
	ErrMonitoring       = 0x8000
	ErrCommunication    = 0x8100
	ErrCanOverrun       = 0x8110
	ErrCanPassive       = 0x8120
	ErrBusOffRecovered  = 0x8140
	ErrCanIdCollision   = 0x8150
	ErrProtocolError    = 0x8200
	ErrExternalError    = 0x9000
	ErrDeviceSpecific   = 0xFF00
)

var errorCodeDescriptionMap = map[uint16]string{
	ErrNoError:          "Reset or No Error",
	ErrGeneric:          "Generic Error",
	ErrCurrent:          "Current",
	ErrVoltage:          "Voltage",
	ErrTemperature:      "Temperature",
	ErrHardware:         "Device Hardware",
	ErrSoftwareDevice:   "Device Software",
	ErrSoftwareInternal: "Internal Software",
	ErrSoftwareUser:     "User Software",
	ErrDataSet:          "Data Set",
	ErrMonitoring:       "Monitoring",
	ErrCommunication:    "Communication",
	ErrCanOverrun:       "CAN Overrun (Objects lost)",
	ErrCanPassive:       "CAN in Error Passive Mode",
	ErrBusOffRecovered:  "Recovered from bus off",
	ErrCanIdCollision:   "CAN-ID collision",
	ErrProtocolError:    "Protocol Error",
	ErrExternalError:    "External Error",
	ErrDeviceSpecific:   "Device specific",
}

// Error status bits
const (
	EmNoError              = 0x00
	EmCanBusWarning        = 0x01
	EmRxMsgWrongLength     = 0x02
	EmRxMsgOverflow        = 0x03
	EmCanRXBusPassive      = 0x06
	EmCanTXBusPassive      = 0x07
	EmCanTXBusOff          = 0x12
	EmCanRXBOverflow       = 0x13
	EmCanTXOverflow        = 0x14
	EmEmergencyBufferFull  = 0x20
	EmMicrocontrollerReset = 0x22
	EmWrongErrorReport     = 0x28
	EmGenericError         = 0x2B
	EmGenericSoftwareError = 0x2C
	EmManufacturerStart    = 0x30
	EmManufacturerEnd      = EmergencyErrorStatusBits - 1
)

var errorStatusMap = map[uint8]string{
	EmNoError:              "Error Reset or No Error",
	EmCanBusWarning:        "CAN bus warning limit reached",
	EmRxMsgWrongLength:     "Wrong data length of the received CAN message",
	EmRxMsgOverflow:        "Previous received CAN message wasn't processed yet",
	EmCanRXBusPassive:      "CAN receive bus is passive",
	EmCanTXBusPassive:      "CAN transmit bus is passive",
	EmCanTXBusOff:          "CAN transmit bus is off",
	EmCanRXBOverflow:       "CAN module receive buffer has overflowed",
	EmCanTXOverflow:        "CAN transmit buffer has overflowed",
	EmEmergencyBufferFull:  "Emergency buffer is full, Emergency message wasn't sent",
	EmMicrocontrollerReset: "Microcontroller has just started",
	EmWrongErrorReport:     "Wrong parameters to ErrorReport function",
	EmGenericError:         "Generic error, test usage",
	EmGenericSoftwareError: "Software error",
}

// Communication errors are reported in bit 4 of the error register
const communicationBitsEnd = 0x20

func ErrorStatusDescription(errorStatus uint8) string {
	description, ok := errorStatusMap[errorStatus]
	switch {
	case ok:
		return description
	case errorStatus >= EmManufacturerStart && errorStatus <= EmManufacturerEnd:
		return "Manufacturer error"
	default:
		return "Invalid or not implemented error status"
	}
}

func ErrorCodeDescription(errorCode uint16) string {
	description, ok := errorCodeDescriptionMap[errorCode]
	if ok {
		return description
	}
	return "Invalid or not implemented error code"
}

// Transport used for producing emergency frames
type Transport interface {
	Send(frame can.Frame) error
	TxBusy(ident uint32) bool
}

// Called for every emergency frame produced
type EMCYCallback func(ident uint16, errorCode uint16, errorRegister byte, errorBit byte, infoCode uint32)

type pending struct {
	msg  uint32 // error bit << 24 | error code
	info uint32
}

// EMCY keeps the error status of the node. Errors are reported from any
// goroutine with [EMCY.ErrorReport] and [EMCY.ErrorReset], they are stored in
// the error history (0x1003) and produced on the bus by [EMCY.Process].
type EMCY struct {
	mu              sync.Mutex
	transport       Transport
	logger          *log.Entry
	nodeId          uint8
	errorStatusBits [EmergencyErrorStatusBits / 8]byte
	entry1001       *od.Entry
	queue           []pending
	queueSize       int
	overflow        bool
	history         []uint32 // Most recent first
	historySize     int
	producerEnabled bool
	producerIdent   uint32
	callback        EMCYCallback
}

// Process sends one pending emergency frame, if any, and updates the error register.
// This should be called periodically.
func (emcy *EMCY) Process(nmtIsPreOrOperational bool) {
	emcy.mu.Lock()
	register := emcy.errorRegister()
	if emcy.entry1001 != nil {
		_ = emcy.entry1001.PutUint8(0, register)
	}
	if !nmtIsPreOrOperational || len(emcy.queue) == 0 {
		emcy.mu.Unlock()
		return
	}
	if !emcy.producerEnabled {
		emcy.queue = emcy.queue[:0]
		emcy.mu.Unlock()
		return
	}
	if emcy.transport.TxBusy(emcy.producerIdent) {
		emcy.mu.Unlock()
		return
	}
	next := emcy.queue[0]
	emcy.queue = emcy.queue[1:]
	frame := can.NewFrame(emcy.producerIdent, 0, 8)
	binary.LittleEndian.PutUint32(frame.Data[:4], next.msg|uint32(register)<<16)
	binary.LittleEndian.PutUint32(frame.Data[4:], next.info)
	err := emcy.transport.Send(frame)
	if err != nil {
		emcy.logger.Warnf("failed to send emergency %v : %v", frame.Data, err)
	}
	callback := emcy.callback
	ident := emcy.producerIdent
	clearOverflow := emcy.overflow && len(emcy.queue) == 0
	emcy.overflow = emcy.overflow && !clearOverflow
	emcy.mu.Unlock()

	if callback != nil {
		callback(uint16(ident), uint16(next.msg), register, byte(next.msg>>24), next.info)
	}
	if clearOverflow {
		emcy.ErrorReset(EmEmergencyBufferFull, 0)
	}
}

// Error register computed from the error status bits
func (emcy *EMCY) errorRegister() byte {
	register := byte(0)
	for i, bits := range emcy.errorStatusBits {
		if bits == 0 {
			continue
		}
		register |= ErrRegGeneric
		if i < communicationBitsEnd/8 {
			register |= ErrRegCommunication
		}
		if i >= EmManufacturerStart/8 {
			register |= ErrRegManufacturer
		}
	}
	return register
}

// Set or reset an error condition.
// Nothing is done if the error bit is already in the requested state.
func (emcy *EMCY) Error(setError bool, errorBit byte, errorCode uint16, infoCode uint32) {
	emcy.mu.Lock()
	overflow := emcy.setError(setError, errorBit, errorCode, infoCode)
	emcy.mu.Unlock()
	if overflow {
		emcy.ErrorReport(EmEmergencyBufferFull, ErrGeneric, 0)
	}
}

// Update status bits, history and queue. Returns true on a new queue overflow.
func (emcy *EMCY) setError(setError bool, errorBit byte, errorCode uint16, infoCode uint32) bool {
	index := errorBit >> 3
	bitMask := byte(1) << (errorBit & 0x7)

	// Unsupported errorBit
	if int(index) >= len(emcy.errorStatusBits) {
		index = EmWrongErrorReport >> 3
		bitMask = 1 << (EmWrongErrorReport & 0x7)
		errorCode = ErrSoftwareInternal
		infoCode = uint32(errorBit)
		errorBit = EmWrongErrorReport
	}
	isSet := emcy.errorStatusBits[index]&bitMask != 0
	if setError == isSet {
		return false
	}
	if setError {
		emcy.errorStatusBits[index] |= bitMask
	} else {
		emcy.errorStatusBits[index] &^= bitMask
		errorCode = ErrNoError
	}
	msg := uint32(errorBit)<<24 | uint32(errorCode)
	if errorCode != ErrNoError && emcy.historySize > 0 {
		emcy.history = append([]uint32{msg}, emcy.history...)
		if len(emcy.history) > emcy.historySize {
			emcy.history = emcy.history[:emcy.historySize]
		}
	}
	if len(emcy.queue) >= emcy.queueSize {
		newOverflow := !emcy.overflow
		emcy.overflow = true
		return newOverflow && errorBit != EmEmergencyBufferFull
	}
	emcy.queue = append(emcy.queue, pending{msg: msg, info: infoCode})
	return false
}

// ErrorReport sets an error condition, it implements the error sink of SDO engines
func (emcy *EMCY) ErrorReport(errorBit byte, errorCode uint16, infoCode uint32) {
	emcy.logger.WithFields(log.Fields{
		"errorCode": errorCode,
		"infoCode":  infoCode,
	}).Infof("report emergency : %v (%v)", ErrorStatusDescription(errorBit), ErrorCodeDescription(errorCode))
	emcy.Error(true, errorBit, errorCode, infoCode)
}

// ErrorReset clears an error condition
func (emcy *EMCY) ErrorReset(errorBit byte, infoCode uint32) {
	emcy.logger.WithField("infoCode", infoCode).Infof("reset emergency : %v", ErrorStatusDescription(errorBit))
	emcy.Error(false, errorBit, ErrNoError, infoCode)
}

func (emcy *EMCY) IsError(errorBit byte) bool {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	byteIndex := errorBit >> 3
	bitMask := uint8(1) << (errorBit & 0x7)
	if int(byteIndex) >= len(emcy.errorStatusBits) {
		return true
	}
	return emcy.errorStatusBits[byteIndex]&bitMask != 0
}

func (emcy *EMCY) ErrorRegister() byte {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	return emcy.errorRegister()
}

// History returns the error history, most recent first
func (emcy *EMCY) History() []uint32 {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	history := make([]uint32, len(emcy.history))
	copy(history, emcy.history)
	return history
}

func (emcy *EMCY) ClearHistory() {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	emcy.history = emcy.history[:0]
}

func (emcy *EMCY) ProducerEnabled() bool {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	return emcy.producerEnabled
}

func (emcy *EMCY) SetCallback(callback EMCYCallback) {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	emcy.callback = callback
}

// NewEMCY creates the emergency producer of nodeId.
// entry1001 (error register) and entry1003 (error history) are optional.
// If entry1014 is nil, emergencies are produced on 0x80 + nodeId.
func NewEMCY(
	transport Transport,
	nodeId uint8,
	entry1001 *od.Entry,
	entry1003 *od.Entry,
	entry1014 *od.Entry,
) (*EMCY, error) {
	if transport == nil || nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrIllegalArgument
	}
	emcy := &EMCY{
		transport: transport,
		nodeId:    nodeId,
		entry1001: entry1001,
		queueSize: 8,
		logger:    log.WithFields(log.Fields{"service": "[EMCY]", "node": nodeId}),
	}

	cobId := uint32(ServiceId) + uint32(nodeId)
	if entry1014 != nil {
		var err error
		cobId, err = entry1014.Uint32(0)
		if err != nil {
			emcy.logger.Errorf("reading %v failed : %v", entry1014.Name, err)
			return nil, canopen.ErrOdParameters
		}
		if cobId&0x7FFFF800 != 0 {
			emcy.logger.Warnf("invalid emergency COB-ID x%x, disabling producer", cobId)
			cobId |= 0x80000000
		}
	}
	emcy.producerIdent = cobId & can.CanSffMask
	emcy.producerEnabled = cobId&0x80000000 == 0 && emcy.producerIdent != 0

	if entry1003 != nil {
		emcy.historySize = int(entry1003.MaxSubIndex())
		emcy.queueSize = max(emcy.historySize, 2)
		entry1003.AddHook(&historyHook{emcy: emcy})
	}
	emcy.logger.Debugf("producer enabled %v (x%x), history of %v errors", emcy.producerEnabled, emcy.producerIdent, emcy.historySize)
	return emcy, nil
}
