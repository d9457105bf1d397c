package sdo

import (
	"errors"
	"fmt"
	"sync"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/internal/crc"
	"github.com/samsamfire/gocanopen-sdo/pkg/can"
	"github.com/samsamfire/gocanopen-sdo/pkg/emergency"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultClientTimeout           = 1000
	DefaultClientProcessPeriodMs   = 1
	DefaultProtocolSwitchThreshold = 21
	DefaultBlockTimeoutRatio       = 0.5
)

var ErrNoTransfer = errors.New("no SDO transfer in progress")

type ClientConfig struct {
	// Time without any response before a transfer is aborted
	TimeoutMs uint32
	// Fraction of TimeoutMs without any segment after which a block upload
	// is acknowledged early
	BlockTimeoutRatio float64
	// Max number of segments per block requested by the client
	BlockMaxSize uint8
	// Transfers of more bytes than this use block transfer if enabled
	ProtocolSwitchThreshold uint8
	// Use block transfers by default in blocking helpers
	BlockEnabled bool
	// Period used by blocking helpers to process the client
	ProcessPeriodMs uint32
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		TimeoutMs:               DefaultClientTimeout,
		BlockTimeoutRatio:       DefaultBlockTimeoutRatio,
		BlockMaxSize:            blockSizeMax,
		ProtocolSwitchThreshold: DefaultProtocolSwitchThreshold,
		BlockEnabled:            true,
		ProcessPeriodMs:         DefaultClientProcessPeriodMs,
	}
}

// Block timeout in ms derived from the SDO timeout, at least 1 ms
func (config ClientConfig) blockTimeoutMs() uint32 {
	timeout := uint32(float64(config.TimeoutMs) * config.BlockTimeoutRatio)
	if timeout < 1 {
		timeout = 1
	}
	return timeout
}

// Result of a processing step of [Client.Download] or [Client.Upload]
type ClientResult uint8

const (
	ResultOk                      ClientResult = iota // Transfer finished
	ResultWaitingResponse                             // Waiting for the server
	ResultBlockUploadInProgress                       // Block upload segments are being received
	ResultBlockDownloadInProgress                     // Block download segments are being sent
	ResultTransmitBufferFull                          // Transport is busy, nothing was sent
	ResultWaitingLocalTransfer                        // Local server can't be accessed yet
)

var clientResultNames = map[ClientResult]string{
	ResultOk:                      "OK",
	ResultWaitingResponse:         "WAITING RESPONSE",
	ResultBlockUploadInProgress:   "BLOCK UPLOAD IN PROGRESS",
	ResultBlockDownloadInProgress: "BLOCK DOWNLOAD IN PROGRESS",
	ResultTransmitBufferFull:      "TRANSMIT BUFFER FULL",
	ResultWaitingLocalTransfer:    "WAITING LOCAL TRANSFER",
}

func (result ClientResult) String() string {
	return clientResultNames[result]
}

type clientState uint8

const (
	clientIdle clientState = iota
	clientAbort
	clientDownloadLocal
	clientDownloadInitiateReq
	clientDownloadInitiateRsp
	clientDownloadSegmentReq
	clientDownloadSegmentRsp
	clientDownloadBlkInitiateRsp
	clientDownloadBlkSubblockReq
	clientDownloadBlkSubblockRsp
	clientDownloadBlkEndReq
	clientDownloadBlkEndRsp
	clientUploadLocal
	clientUploadInitiateReq
	clientUploadInitiateRsp
	clientUploadSegmentReq
	clientUploadSegmentRsp
	clientUploadBlkInitiateRsp
	clientUploadBlkInitiateReq2
	clientUploadBlkSubblockSreq
	clientUploadBlkSubblockCrsp
	clientUploadBlkSubblockCrspLast
	clientUploadBlkEndSreq
	clientUploadBlkEndCrsp
)

// Client initiates SDO transfers with one server at a time.
// A transfer is started with [Client.DownloadInitiate] or [Client.UploadInitiate]
// and driven by calling [Client.Download] or [Client.Upload] until the
// transfer ends.
type Client struct {
	mu        sync.Mutex
	transport Transport
	od        *od.ObjectDictionary
	server    *Server
	emcy      ErrorReporter
	logger    *log.Entry
	nodeId    uint8
	config    ClientConfig
	entry1280 *od.Entry

	cobIdClientToServer uint32
	cobIdServerToClient uint32
	nodeIdServer        uint8
	rxId                uint32
	txId                uint32
	valid               bool

	rx         *mailbox
	state      clientState
	timer      timer
	blockTimer timer
	abortCode  AbortCode
	request    Message // Initiate request waiting to be sent
	stream     od.Stream

	index         uint16
	subIndex      uint8
	buffer        []byte // Owned by caller
	offset        uint32
	size          uint32
	sizeIndicated uint32
	toggle        uint8

	// Block transfers
	blockEnabled bool
	crcEnabled   bool
	blockSize    uint8
	sequence     uint8
	blockStart   uint32
	noData       uint8
}

// Handle received SDO responses
func (client *Client) Handle(frame can.Frame) {
	err := client.rx.put(frame)
	switch {
	case errors.Is(err, canopen.ErrRxMsgLength):
		client.logger.Warnf("[CLIENT][RX] wrong message length %v", frame.DLC)
		client.report(emergency.EmRxMsgWrongLength, emergency.ErrCommunication, uint32(frame.DLC))
	case errors.Is(err, canopen.ErrRxOverflow):
		client.logger.Warnf("[CLIENT][RX] overflow, dropping %v", frame.Data)
		client.report(emergency.EmRxMsgOverflow, emergency.ErrCommunication, client.rxId)
	}
}

func (client *Client) report(errorBit byte, errorCode uint16, infoCode uint32) {
	if client.emcy != nil {
		client.emcy.ErrorReport(errorBit, errorCode, infoCode)
	}
}

// Notify receives a value every time a response is stored
func (client *Client) Notify() <-chan struct{} {
	return client.rx.notify
}

// Milliseconds before the current transfer times out
func (client *Client) TimerNextMs() uint32 {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.state == clientUploadBlkSubblockSreq && client.blockTimer.remaining() < client.timer.remaining() {
		return client.blockTimer.remaining()
	}
	return client.timer.remaining()
}

func (client *Client) NodeIdServer() uint8 {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.nodeIdServer
}

func (client *Client) Config() ClientConfig {
	return client.config
}

// Setup the server to communicate with.
// COB-IDs of 0 are replaced by the default ones of nodeIdServer.
// Setting the invalid bit of a COB-ID, or nodeIdServer to 0, disables the client.
func (client *Client) Setup(cobIdClientToServer uint32, cobIdServerToClient uint32, nodeIdServer uint8) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	err := client.setup(cobIdClientToServer, cobIdServerToClient, nodeIdServer)
	if err != nil {
		return err
	}
	if client.entry1280 != nil {
		// Keep OD in sync, hooks are bypassed
		err = errors.Join(
			client.entry1280.PutUint32(1, client.cobIdClientToServer),
			client.entry1280.PutUint32(2, client.cobIdServerToClient),
			client.entry1280.PutUint8(3, client.nodeIdServer),
		)
		if err != nil {
			client.logger.Warnf("updating %v failed : %v", client.entry1280.Name, err)
		}
	}
	return nil
}

func (client *Client) setup(cobIdClientToServer uint32, cobIdServerToClient uint32, nodeIdServer uint8) error {
	if cobIdClientToServer&0x7FFFF800 != 0 || cobIdServerToClient&0x7FFFF800 != 0 || nodeIdServer > 127 {
		return canopen.ErrIllegalArgument
	}
	client.state = clientIdle
	client.rx.clear()
	if nodeIdServer != 0 && (cobIdClientToServer == 0 || cobIdServerToClient == 0) {
		cobIdClientToServer = ClientServiceId + uint32(nodeIdServer)
		cobIdServerToClient = ServerServiceId + uint32(nodeIdServer)
	}
	client.cobIdClientToServer = cobIdClientToServer
	client.cobIdServerToClient = cobIdServerToClient
	client.nodeIdServer = nodeIdServer

	if client.rxId != 0 {
		client.transport.Unsubscribe(client.rxId, false, client)
	}
	client.rxId = 0
	client.txId = 0
	client.valid = cobIdClientToServer&cobIdInvalid == 0 && cobIdServerToClient&cobIdInvalid == 0 && nodeIdServer != 0
	if !client.valid {
		client.logger.Info("client disabled")
		return nil
	}
	client.rxId = cobIdServerToClient & can.CanSffMask
	client.txId = cobIdClientToServer & can.CanSffMask
	err := client.transport.Subscribe(client.rxId, false, client)
	if err != nil {
		client.valid = false
		return err
	}
	client.logger.Debugf("client setup for node %v (tx x%x, rx x%x)", nodeIdServer, client.txId, client.rxId)
	return nil
}

// Transfers with our own node id go directly through the local OD
func (client *Client) isLocal() bool {
	return client.od != nil && client.nodeIdServer == client.nodeId
}

func (client *Client) initTransfer(index uint16, subIndex uint8, buffer []byte) error {
	if !client.valid && !client.isLocal() {
		return canopen.ErrInvalidState
	}
	client.index = index
	client.subIndex = subIndex
	client.buffer = buffer
	client.offset = 0
	client.sizeIndicated = 0
	client.toggle = 0
	client.sequence = 0
	client.blockStart = 0
	client.crcEnabled = false
	client.abortCode = AbortNone
	client.timer.reset()
	client.blockTimer.reset()
	client.rx.clear()
	return nil
}

// Abort the current transfer, the abort frame is sent on next processing
func (client *Client) Abort(abortCode AbortCode) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.state == clientIdle {
		return
	}
	client.abortCode = abortCode
	client.state = clientAbort
}

// Go to abort state, the abort is sent in the same processing step
func (client *Client) fail(abortCode AbortCode) {
	client.abortCode = abortCode
	client.state = clientAbort
}

// Send the pending abort and go back to idle
func (client *Client) sendAbort() error {
	abortCode := client.abortCode
	client.logger.Warnf("[CLIENT][TX] CLIENT ABORT | x%x:x%x | %v", client.index, client.subIndex, abortCode)
	client.send(encodeAbort(client.index, client.subIndex, abortCode))
	client.state = clientIdle
	client.rx.clear()
	return abortCode
}

func (client *Client) send(msg Message) {
	client.timer.reset()
	frame := can.NewFrame(client.txId, 0, 8)
	frame.Data = msg
	err := client.transport.Send(frame)
	if err != nil {
		client.logger.Warnf("[CLIENT][TX] failed to send %v : %v", msg, err)
	}
}

// Common part of a processing step, handles aborts from server.
// It returns done = true when nothing else should be processed.
func (client *Client) preprocess() (rx Message, rxNew bool, done bool, err error) {
	rx, rxNew = client.rx.peek()
	if client.state == clientIdle {
		return rx, false, true, ErrNoTransfer
	}
	if rxNew && rx.IsAbort() {
		client.logger.Warnf("[CLIENT][RX] abort received from server : %v | x%x:x%x", rx.AbortCode(), client.index, client.subIndex)
		client.state = clientIdle
		client.rx.clear()
		return rx, false, true, rx.AbortCode()
	}
	return rx, rxNew, false, nil
}

// Check that an initiate response is for the requested object
func (client *Client) checkIndex(rx Message) bool {
	if rx.Index() != client.index || rx.SubIndex() != client.subIndex {
		client.logger.Warnf("[CLIENT][RX] wrong object in response x%x:x%x, expecting x%x:x%x",
			rx.Index(), rx.SubIndex(), client.index, client.subIndex)
		client.fail(AbortParamIncompat)
		return false
	}
	return true
}

// Advance timers, returns an error when the transfer timed out
func (client *Client) checkTimeout(timeDifferenceMs uint32) error {
	if client.timer.advance(timeDifferenceMs) {
		client.abortCode = AbortTimeout
		return client.sendAbort()
	}
	return nil
}

func (client *Client) crcOf(data []byte) crc.CRC16 {
	var value crc.CRC16
	value.Block(data)
	return value
}

// NewClient creates an SDO client.
// If odict is given, transfers to nodeId are done locally through server
// (which can be nil). If entry1280 is given, it is used for configuring the
// client and updated by [Client.Setup].
func NewClient(
	transport Transport,
	odict *od.ObjectDictionary,
	nodeId uint8,
	server *Server,
	entry1280 *od.Entry,
	emcy ErrorReporter,
	config ClientConfig,
) (*Client, error) {
	if transport == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if config.TimeoutMs == 0 {
		config.TimeoutMs = DefaultClientTimeout
	}
	if config.BlockTimeoutRatio <= 0 || config.BlockTimeoutRatio > 1 {
		config.BlockTimeoutRatio = DefaultBlockTimeoutRatio
	}
	if config.BlockMaxSize == 0 || config.BlockMaxSize > blockSizeMax {
		config.BlockMaxSize = blockSizeMax
	}
	if config.ProcessPeriodMs == 0 {
		config.ProcessPeriodMs = DefaultClientProcessPeriodMs
	}
	client := &Client{
		transport:  transport,
		od:         odict,
		server:     server,
		emcy:       emcy,
		nodeId:     nodeId,
		config:     config,
		rx:         newMailbox(),
		timer:      timer{timeout: config.TimeoutMs},
		blockTimer: timer{timeout: config.blockTimeoutMs()},
		logger:     log.WithFields(log.Fields{"service": "[CLIENT]", "node": nodeId}),
	}
	if entry1280 == nil {
		return client, nil
	}
	if entry1280.Index < od.EntrySDOClientParameter || entry1280.Index > od.EntrySDOClientParameter+0x7F {
		return nil, canopen.ErrIllegalArgument
	}
	cobIdClientToServer, err1 := entry1280.Uint32(1)
	cobIdServerToClient, err2 := entry1280.Uint32(2)
	nodeIdServer, err3 := entry1280.Uint8(3)
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("reading %v failed : %w : %w", entry1280.Name, canopen.ErrOdParameters, err)
	}
	client.entry1280 = entry1280
	entry1280.AddHook(&clientParameterHook{client: client})
	err := client.setup(cobIdClientToServer, cobIdServerToClient, nodeIdServer)
	if err != nil {
		return nil, err
	}
	return client, nil
}
