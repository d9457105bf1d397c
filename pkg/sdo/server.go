package sdo

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/internal/buffer"
	"github.com/samsamfire/gocanopen-sdo/internal/crc"
	"github.com/samsamfire/gocanopen-sdo/pkg/can"
	"github.com/samsamfire/gocanopen-sdo/pkg/emergency"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
	log "github.com/sirupsen/logrus"
)

const (
	ClientServiceId       = 0x600
	ServerServiceId       = 0x580
	DefaultServerTimeout  = 1000
	DefaultServerBuffer   = 32
	cobIdInvalid          = 0x80000000
	cobIdReservedBitsMask = 0x3FFFF800
)

// Transport is what the SDO engines need from the CAN layer.
// It is implemented by [canopen.BusManager].
type Transport interface {
	Send(frame can.Frame) error
	TxBusy(ident uint32) bool
	Subscribe(ident uint32, rtr bool, callback can.FrameListener) error
	Unsubscribe(ident uint32, rtr bool, callback can.FrameListener)
}

// ErrorReporter receives communication errors such as receive overflows.
// It is implemented by [emergency.EMCY].
type ErrorReporter interface {
	ErrorReport(errorBit byte, errorCode uint16, infoCode uint32)
}

type ServerConfig struct {
	// Size of the transfer buffer, at least 7 bytes. Objects bigger than this
	// can only be transferred if they are domains.
	BufferSize uint32
	// Time without any frame before a transfer is aborted
	TimeoutMs uint32
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{BufferSize: DefaultServerBuffer, TimeoutMs: DefaultServerTimeout}
}

// Result of a call to [Server.Process]
type ServerStatus uint8

const (
	ServerIdle          ServerStatus = iota // Nothing to do
	ServerInProgress                        // A transfer is open
	ServerAbortReceived                     // Client aborted the transfer
	ServerAborted                           // Server aborted the transfer
)

type serverState uint8

const (
	stateIdle serverState = iota
	stateDownloadInitiate
	stateDownloadSegmented
	stateDownloadBlockInitiate
	stateDownloadBlockSubblock
	stateDownloadBlockEnd
	stateUploadInitiate
	stateUploadSegmented
	stateUploadBlockInitiate
	stateUploadBlockInitiate2
	stateUploadBlockSubblock
	stateUploadBlockEnd
)

var serverStateNames = map[serverState]string{
	stateIdle:                  "IDLE",
	stateDownloadInitiate:      "DOWNLOAD INITIATE",
	stateDownloadSegmented:     "DOWNLOAD SEGMENTED",
	stateDownloadBlockInitiate: "DOWNLOAD BLOCK INITIATE",
	stateDownloadBlockSubblock: "DOWNLOAD BLOCK SUB-BLOCK",
	stateDownloadBlockEnd:      "DOWNLOAD BLOCK END",
	stateUploadInitiate:        "UPLOAD INITIATE",
	stateUploadSegmented:       "UPLOAD SEGMENTED",
	stateUploadBlockInitiate:   "UPLOAD BLOCK INITIATE",
	stateUploadBlockInitiate2:  "UPLOAD BLOCK INITIATE 2",
	stateUploadBlockSubblock:   "UPLOAD BLOCK SUB-BLOCK",
	stateUploadBlockEnd:        "UPLOAD BLOCK END",
}

func (state serverState) String() string {
	return serverStateNames[state]
}

// Server answers SDO requests of one client on the local object dictionary.
// It is driven by calling [Server.Process] periodically.
type Server struct {
	mu        sync.Mutex
	transport Transport
	od        *od.ObjectDictionary
	emcy      ErrorReporter
	logger    *log.Entry
	nodeId    uint8
	config    ServerConfig

	cobIdClientToServer uint32
	cobIdServerToClient uint32
	rxId                uint32
	txId                uint32
	valid               bool

	rx     *mailbox
	state  serverState
	idle   atomic.Bool
	timer  timer
	stream od.Stream
	buf    *buffer.Buffer

	index           uint16
	subIndex        uint8
	dataLength      uint32 // Max bytes in buffer for downloads
	sizeIndicated   uint32
	sizeTransferred uint32
	toggle          uint8

	// Block transfers
	sequence      uint8
	blockSize     uint8
	crcEnabled    bool
	crc           crc.CRC16
	endOfTransfer bool
	lastLength    uint8
	dropped       uint8 // Bytes of the last download segment beyond the buffer
}

// Handle received SDO requests.
// Only one request is stored until processed, others are dropped.
func (server *Server) Handle(frame can.Frame) {
	err := server.rx.put(frame)
	switch {
	case errors.Is(err, canopen.ErrRxMsgLength):
		server.logger.Warnf("[SERVER][RX] wrong message length %v", frame.DLC)
		server.report(emergency.EmRxMsgWrongLength, emergency.ErrCommunication, uint32(frame.DLC))
	case errors.Is(err, canopen.ErrRxOverflow):
		server.logger.Warnf("[SERVER][RX] overflow, dropping %v", frame.Data)
		server.report(emergency.EmRxMsgOverflow, emergency.ErrCommunication, server.rxId)
	}
}

func (server *Server) report(errorBit byte, errorCode uint16, infoCode uint32) {
	if server.emcy != nil {
		server.emcy.ErrorReport(errorBit, errorCode, infoCode)
	}
}

// Notify receives a value every time a request is stored, it can be used to
// call [Server.Process] without waiting for the next period.
func (server *Server) Notify() <-chan struct{} {
	return server.rx.notify
}

// Busy is true while a transfer is in progress
func (server *Server) Busy() bool {
	return !server.idle.Load()
}

func (server *Server) NodeId() uint8 {
	return server.nodeId
}

// Milliseconds before the current transfer times out
func (server *Server) TimerNextMs() uint32 {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.timer.remaining()
}

func (server *Server) setState(state serverState) {
	server.state = state
	server.idle.Store(state == stateIdle)
}

// Process the last received request and send the response.
// This is non blocking and should be called periodically with the time
// elapsed since the previous call. When communication is not allowed,
// any transfer is dropped. An [AbortCode] is returned when the transfer is
// aborted by either side.
func (server *Server) Process(nmtIsPreOrOperational bool, timeDifferenceMs uint32) (ServerStatus, error) {
	server.mu.Lock()
	defer server.mu.Unlock()

	rx, rxNew := server.rx.peek()
	if server.state == stateIdle && !rxNew {
		return ServerIdle, nil
	}
	if !nmtIsPreOrOperational || !server.valid {
		server.setState(stateIdle)
		server.rx.clear()
		return ServerIdle, nil
	}

	state := stateIdle
	txBusy := server.transport.TxBusy(server.txId)
	if !txBusy && (rxNew || server.state == stateUploadBlockSubblock) {
		if server.state != stateUploadBlockSubblock {
			server.timer.reset()
		}
		if rxNew && rx.IsAbort() {
			server.logger.Warnf("[SERVER][RX] abort received from client : %v | x%x:x%x",
				rx.AbortCode(), server.index, server.subIndex)
			server.setState(stateIdle)
			server.rx.clear()
			return ServerAbortReceived, rx.AbortCode()
		}
		if server.state != stateIdle {
			state = server.state
		} else {
			next, err := server.initiate(rx)
			if err != nil {
				return server.abort(err)
			}
			state = next
		}
	}

	timeoutSubblock := false
	if server.state != stateIdle || state != stateIdle {
		if server.timer.advance(timeDifferenceMs) {
			// Flush the pending block acknowledge once before giving up
			if server.state == stateDownloadBlockSubblock && server.sequence > 0 && !txBusy {
				timeoutSubblock = true
				state = server.state
			} else {
				return server.abort(AbortTimeout)
			}
		}
	}

	if state == stateIdle {
		if server.state != stateIdle {
			return ServerInProgress, nil
		}
		return ServerIdle, nil
	}

	var err error
	clearRx := true
	switch state {
	case stateDownloadInitiate:
		err = server.rxDownloadInitiate(rx)
	case stateDownloadSegmented:
		err = server.rxDownloadSegmented(rx)
	case stateDownloadBlockInitiate:
		err = server.rxDownloadBlockInitiate(rx)
	case stateDownloadBlockSubblock:
		err = server.rxDownloadBlockSubblock(rx, timeoutSubblock)
		clearRx = !timeoutSubblock
	case stateDownloadBlockEnd:
		err = server.rxDownloadBlockEnd(rx)
	case stateUploadInitiate:
		err = server.txUploadInitiate()
	case stateUploadSegmented:
		err = server.rxUploadSegmented(rx)
	case stateUploadBlockInitiate:
		err = server.txUploadBlockInitiate(rx)
	case stateUploadBlockInitiate2:
		err = server.rxUploadBlockInitiate2(rx)
		if err == nil {
			err = server.txUploadBlockSubblock(rx, false)
		}
	case stateUploadBlockSubblock:
		err = server.txUploadBlockSubblock(rx, rxNew)
		clearRx = false
	case stateUploadBlockEnd:
		err = server.rxUploadBlockEnd(rx)
	default:
		err = AbortCmd
	}
	if err != nil {
		return server.abort(err)
	}
	if clearRx {
		server.rx.clear()
	}
	if server.state == stateIdle {
		return ServerIdle, nil
	}
	return ServerInProgress, nil
}

// Start a new transfer from an initiate request and return the state
// that handles the request
func (server *Server) initiate(rx Message) (serverState, error) {
	ccs := rx.Command()
	server.index = rx.Index()
	server.subIndex = rx.SubIndex()
	if ccs != ccsDownloadInitiate && ccs != ccsUploadInitiate &&
		ccs != ccsDownloadBlock && ccs != ccsUploadBlock {
		return stateIdle, AbortCmd
	}
	server.buf.Reset()
	server.sizeIndicated = 0
	server.sizeTransferred = 0
	err := server.od.InitStream(&server.stream, server.index, server.subIndex, server.buf.Space())
	if err != nil {
		return stateIdle, err
	}

	if ccs == ccsDownloadInitiate || ccs == ccsDownloadBlock {
		if server.stream.Attribute&od.AttributeSdoW == 0 {
			return stateIdle, AbortReadOnly
		}
		server.dataLength = server.stream.DataLength
		if ccs == ccsDownloadInitiate {
			return stateDownloadInitiate, nil
		}
		return stateDownloadBlockInitiate, nil
	}

	err = server.stream.Read()
	if err != nil {
		return stateIdle, err
	}
	err = server.buf.Commit(int(server.stream.DataLength))
	if err != nil {
		return stateIdle, AbortDeviceIncompat
	}
	if ccs == ccsUploadBlock &&
		(server.stream.DataLength > uint32(rx.SwitchThreshold()) || !server.stream.LastSegment) {
		return stateUploadBlockInitiate, nil
	}
	return stateUploadInitiate, nil
}

// Send an abort frame and go back to idle
func (server *Server) abort(err error) (ServerStatus, error) {
	abortCode := abortFromError(err)
	server.logger.Warnf("[SERVER][TX] SERVER ABORT | x%x:x%x | %v (%v)",
		server.index, server.subIndex, abortCode, server.state)
	server.send(encodeAbort(server.index, server.subIndex, abortCode))
	server.setState(stateIdle)
	server.rx.clear()
	return ServerAborted, abortCode
}

func (server *Server) send(msg Message) {
	frame := can.NewFrame(server.txId, 0, 8)
	frame.Data = msg
	err := server.transport.Send(frame)
	if err != nil {
		server.logger.Warnf("[SERVER][TX] failed to send %v : %v", msg, err)
	}
}

// Write the buffer to a domain, more data follows
func (server *Server) flushDomain() error {
	server.stream.LastSegment = false
	err := server.stream.Write(uint32(server.buf.WriteOffset()))
	server.buf.Reset()
	return err
}

// Read more data from a domain after the unread bytes of the buffer
// and return the new bytes
func (server *Server) refill() ([]byte, error) {
	server.buf.Compact()
	server.stream.Data = server.buf.Space()
	server.stream.DataLength = uint32(len(server.stream.Data))
	err := server.stream.Read()
	if err != nil {
		return nil, err
	}
	data := server.stream.Data[:server.stream.DataLength]
	if server.buf.Commit(len(data)) != nil {
		return nil, AbortDeviceIncompat
	}
	return data, nil
}

// Configure CAN identifiers from COB-IDs, a COB-ID with the invalid bit set disables the server
func (server *Server) initRxTx(cobIdClientToServer uint32, cobIdServerToClient uint32) error {
	if server.rxId != 0 {
		server.transport.Unsubscribe(server.rxId, false, server)
	}
	server.cobIdClientToServer = cobIdClientToServer
	server.cobIdServerToClient = cobIdServerToClient

	var canIdC2S, canIdS2C uint32
	if cobIdClientToServer&cobIdInvalid == 0 {
		canIdC2S = cobIdClientToServer & can.CanSffMask
	}
	if cobIdServerToClient&cobIdInvalid == 0 {
		canIdS2C = cobIdServerToClient & can.CanSffMask
	}
	server.valid = canIdC2S != 0 && canIdS2C != 0
	if !server.valid {
		canIdC2S = 0
		canIdS2C = 0
	}
	server.rxId = canIdC2S
	server.txId = canIdS2C
	server.setState(stateIdle)
	server.rx.clear()
	if !server.valid {
		server.logger.Infof("server disabled (x%x, x%x)", cobIdClientToServer, cobIdServerToClient)
		return nil
	}
	err := server.transport.Subscribe(canIdC2S, false, server)
	if err != nil {
		server.valid = false
		return err
	}
	server.logger.Debugf("server listening on x%x, answering on x%x", canIdC2S, canIdS2C)
	return nil
}

// NewServer creates an SDO server for the local node.
// If entry12xx is given, COB-IDs are taken from it and updated on writes,
// otherwise the default COB-IDs 0x600+nodeId and 0x580+nodeId are used.
func NewServer(
	transport Transport,
	odict *od.ObjectDictionary,
	nodeId uint8,
	entry12xx *od.Entry,
	emcy ErrorReporter,
	config ServerConfig,
) (*Server, error) {
	if transport == nil || odict == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if config.BufferSize < segmentSize {
		return nil, fmt.Errorf("server buffer size %v is smaller than a segment : %w", config.BufferSize, canopen.ErrIllegalArgument)
	}
	if config.TimeoutMs == 0 {
		config.TimeoutMs = DefaultServerTimeout
	}
	server := &Server{
		transport: transport,
		od:        odict,
		emcy:      emcy,
		nodeId:    nodeId,
		config:    config,
		rx:        newMailbox(),
		buf:       buffer.New(int(config.BufferSize)),
		timer:     timer{timeout: config.TimeoutMs},
		logger:    log.WithFields(log.Fields{"service": "[SERVER]", "node": nodeId}),
	}
	server.setState(stateIdle)

	var cobIdClientToServer, cobIdServerToClient uint32
	if entry12xx == nil {
		cobIdClientToServer = ClientServiceId + uint32(nodeId)
		cobIdServerToClient = ServerServiceId + uint32(nodeId)
	} else {
		if entry12xx.Index < od.EntrySDOServerParameter || entry12xx.Index > od.EntrySDOServerParameter+0x7F {
			return nil, canopen.ErrIllegalArgument
		}
		var err1, err2 error
		cobIdClientToServer, err1 = entry12xx.Uint32(1)
		cobIdServerToClient, err2 = entry12xx.Uint32(2)
		if err1 != nil || err2 != nil {
			server.logger.Errorf("reading %v failed : %v, %v", entry12xx.Name, err1, err2)
			return nil, canopen.ErrOdParameters
		}
		entry12xx.AddHook(&serverParameterHook{server: server})
	}
	err := server.initRxTx(cobIdClientToServer, cobIdServerToClient)
	if err != nil {
		return nil, err
	}
	return server, nil
}
