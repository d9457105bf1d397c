package sdo

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/internal/crc"
	"github.com/samsamfire/gocanopen-sdo/pkg/can/virtual"
	"github.com/samsamfire/gocanopen-sdo/pkg/emergency"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Client and server of different nodes on a virtual bus
type network struct {
	client *Client
	server *Server
	od     *od.ObjectDictionary
}

func newNetwork(t *testing.T, serverConfig ServerConfig, clientConfig ClientConfig) *network {
	busServer, err := virtual.NewVirtualCanBus(t.Name())
	require.Nil(t, err)
	busClient, err := virtual.NewVirtualCanBus(t.Name())
	require.Nil(t, err)
	require.Nil(t, busServer.Connect())
	require.Nil(t, busClient.Connect())
	t.Cleanup(func() {
		busServer.Disconnect()
		busClient.Disconnect()
	})
	bmServer := canopen.NewBusManager(busServer)
	bmClient := canopen.NewBusManager(busClient)
	require.Nil(t, busServer.Subscribe(bmServer))
	require.Nil(t, busClient.Subscribe(bmClient))

	odict := od.Default()
	server, err := NewServer(bmServer, odict, nodeIdServer, nil, nil, serverConfig)
	require.Nil(t, err)
	client, err := NewClient(bmClient, nil, nodeIdClient, nil, nil, nil, clientConfig)
	require.Nil(t, err)
	require.Nil(t, client.Setup(0, 0, nodeIdServer))
	return &network{client: client, server: server, od: odict}
}

// Process client and server in turn until the download ends
func (n *network) download(t *testing.T, index uint16, subIndex uint8, data []byte, blockEnabled bool) error {
	require.Nil(t, n.client.DownloadInitiate(index, subIndex, data, blockEnabled))
	for i := 0; i < 10000; i++ {
		result, err := n.client.Download(1)
		if err != nil || result == ResultOk {
			n.server.Process(true, 1)
			return err
		}
		n.server.Process(true, 1)
	}
	t.Fatal("download did not end")
	return nil
}

// Process client and server in turn until the upload ends
func (n *network) upload(t *testing.T, index uint16, subIndex uint8, buffer []byte, blockEnabled bool) ([]byte, error) {
	require.Nil(t, n.client.UploadInitiate(index, subIndex, buffer, blockEnabled))
	for i := 0; i < 10000; i++ {
		result, size, err := n.client.Upload(1)
		if err != nil || result == ResultOk {
			n.server.Process(true, 1)
			return buffer[:size], err
		}
		n.server.Process(true, 1)
	}
	t.Fatal("upload did not end")
	return nil, nil
}

func testData(length int) []byte {
	data := make([]byte, length)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestClientSetup(t *testing.T) {
	transport := newRecorder()
	client, err := NewClient(transport, nil, nodeIdClient, nil, nil, nil, DefaultClientConfig())
	require.Nil(t, err)
	assert.ErrorIs(t, client.Setup(0x12345, 0, 5), canopen.ErrIllegalArgument)
	assert.ErrorIs(t, client.Setup(0, 0, 128), canopen.ErrIllegalArgument)

	require.Nil(t, client.Setup(0, 0, 5))
	assert.True(t, client.valid)
	assert.EqualValues(t, 0x605, client.txId)
	assert.EqualValues(t, 0x585, client.rxId)
	assert.Contains(t, transport.listeners, uint32(0x585))

	require.Nil(t, client.Setup(0x620, 0x5A0, 5))
	assert.EqualValues(t, 0x620, client.txId)
	assert.EqualValues(t, 0x5A0, client.rxId)
	assert.NotContains(t, transport.listeners, uint32(0x585))

	// Disabled
	require.Nil(t, client.Setup(0x80000000, 0x5A0, 5))
	assert.False(t, client.valid)
	assert.EqualValues(t, 0, client.txId)
	assert.NotContains(t, transport.listeners, uint32(0x5A0))
	require.Nil(t, client.Setup(0x605, 0x585, 0))
	assert.False(t, client.valid)
	assert.ErrorIs(t, client.DownloadInitiate(0x2000, 0, []byte{1}, false), canopen.ErrInvalidState)
}

func TestClientParameterEntry(t *testing.T) {
	odict := od.Default()
	entry := odict.Index(0x1280)
	transport := newRecorder()
	client, err := NewClient(transport, odict, nodeIdClient, nil, entry, nil, DefaultClientConfig())
	require.Nil(t, err)
	// Default parameters are disabled
	assert.False(t, client.valid)

	require.Nil(t, client.Setup(0, 0, 0x22))
	cobId, _ := entry.Uint32(1)
	assert.EqualValues(t, 0x622, cobId)
	cobId, _ = entry.Uint32(2)
	assert.EqualValues(t, 0x5A2, cobId)
	nodeId, _ := entry.Uint8(3)
	assert.EqualValues(t, 0x22, nodeId)

	// Through the OD, sub 1 can only change while disabled
	var stream od.Stream
	require.Nil(t, odict.InitStream(&stream, 0x1280, 1, []byte{0x23, 0x06, 0, 0}))
	assert.Equal(t, od.ErrInvalidValue, stream.Write(4))
	require.Nil(t, odict.InitStream(&stream, 0x1280, 1, []byte{0x22, 0x06, 0, 0x80}))
	assert.Nil(t, stream.Write(4))
	assert.False(t, client.valid)
	require.Nil(t, odict.InitStream(&stream, 0x1280, 3, []byte{200}))
	assert.Equal(t, od.ErrInvalidValue, stream.Write(1))

	// Reconfigure while disabled, sub 1 enables the client again
	require.Nil(t, odict.InitStream(&stream, 0x1280, 2, []byte{0x90, 0x06, 0, 0}))
	assert.Nil(t, stream.Write(4))
	assert.False(t, client.valid)
	require.Nil(t, odict.InitStream(&stream, 0x1280, 3, []byte{0x30}))
	assert.Nil(t, stream.Write(1))
	require.Nil(t, odict.InitStream(&stream, 0x1280, 1, []byte{0x80, 0x06, 0, 0}))
	assert.Nil(t, stream.Write(4))
	assert.True(t, client.valid)
	assert.EqualValues(t, 0x680, client.txId)
	assert.EqualValues(t, 0x690, client.rxId)
	assert.EqualValues(t, 0x30, client.NodeIdServer())
}

func TestClientExpedited(t *testing.T) {
	network := newNetwork(t, DefaultServerConfig(), DefaultClientConfig())
	err := network.download(t, 0x2004, 0, []byte{0x78, 0x56, 0x34, 0x12}, true)
	assert.Nil(t, err)
	value, _ := network.od.Index(0x2004).Uint32(0)
	assert.EqualValues(t, 0x12345678, value)

	data, err := network.upload(t, 0x2004, 0, make([]byte, 10), false)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x78, 0x56, 0x34, 0x12}, data)

	// Transfer is over
	result, err := network.client.Download(1)
	assert.Equal(t, ResultOk, result)
	assert.ErrorIs(t, err, ErrNoTransfer)
}

func TestClientSegmented(t *testing.T) {
	network := newNetwork(t, DefaultServerConfig(), DefaultClientConfig())
	data := []byte("0123456789abcdefghij")
	err := network.download(t, 0x2000, 0, data, false)
	assert.Nil(t, err)
	uploaded, err := network.upload(t, 0x2000, 0, make([]byte, 100), false)
	assert.Nil(t, err)
	assert.Equal(t, data, uploaded)

	// Buffer too small for upload
	_, err = network.upload(t, 0x2000, 0, make([]byte, 10), false)
	assert.Equal(t, AbortOutOfMem, err)
	assert.False(t, network.server.Busy())

	// Wrong length
	err = network.download(t, 0x2000, 0, data[:10], false)
	assert.Equal(t, AbortTypeMismatch, err)
}

func TestClientServerAbort(t *testing.T) {
	network := newNetwork(t, DefaultServerConfig(), DefaultClientConfig())
	err := network.download(t, 0x2008, 0, []byte{1, 2, 3, 4}, false)
	assert.Equal(t, AbortReadOnly, err)
	_, err = network.upload(t, 0x6000, 0, make([]byte, 10), true)
	assert.Equal(t, AbortNotExist, err)
}

func TestClientBlock(t *testing.T) {
	network := newNetwork(t, ServerConfig{BufferSize: 1024, TimeoutMs: 1000}, DefaultClientConfig())
	data := testData(900)
	_, err := network.od.AddVariableType(0x3000, "big", od.OCTET_STRING, od.AttributeSdoRw, string(make([]byte, 900)))
	require.Nil(t, err)

	err = network.download(t, 0x3000, 0, data, true)
	assert.Nil(t, err)
	variable, _ := network.od.Index(0x3000).SubIndex(0)
	assert.Equal(t, data, variable.Bytes())

	uploaded, err := network.upload(t, 0x3000, 0, make([]byte, 1000), true)
	assert.Nil(t, err)
	assert.Equal(t, data, uploaded)
}

func TestClientBlockNearCapacity(t *testing.T) {
	for size := 22; size <= 32; size++ {
		t.Run(fmt.Sprintf("size %v", size), func(t *testing.T) {
			network := newNetwork(t, DefaultServerConfig(), DefaultClientConfig())
			_, err := network.od.AddVariableType(0x3000, "octets", od.OCTET_STRING, od.AttributeSdoRw, strings.Repeat("-", size))
			require.Nil(t, err)
			data := testData(size)

			err = network.download(t, 0x3000, 0, data, true)
			require.Nil(t, err)
			variable, _ := network.od.Index(0x3000).SubIndex(0)
			assert.Equal(t, data, variable.Bytes())

			uploaded, err := network.upload(t, 0x3000, 0, make([]byte, 64), true)
			assert.Nil(t, err)
			assert.Equal(t, data, uploaded)
		})
	}
}

func TestClientBlockDomain(t *testing.T) {
	config := DefaultClientConfig()
	config.BlockMaxSize = 4
	network := newNetwork(t, DefaultServerConfig(), config)
	path := filepath.Join(t.TempDir(), "domain.bin")
	network.od.AddFile(0x3001, "file", path, os.O_RDONLY, os.O_RDWR|os.O_CREATE|os.O_TRUNC)

	// Domains bigger than the server buffer are streamed
	data := testData(500)
	err := network.download(t, 0x3001, 0, data, true)
	assert.Nil(t, err)
	written, err := os.ReadFile(path)
	assert.Nil(t, err)
	assert.Equal(t, data, written)

	uploaded, err := network.upload(t, 0x3001, 0, make([]byte, 1024), true)
	assert.Nil(t, err)
	assert.Equal(t, data, uploaded)

	uploaded, err = network.upload(t, 0x3001, 0, make([]byte, 1024), false)
	assert.Nil(t, err)
	assert.Equal(t, data, uploaded)
}

func TestClientBlockUploadBlockSizeTooBig(t *testing.T) {
	network := newNetwork(t, DefaultServerConfig(), DefaultClientConfig())
	network.od.AddReader(0x3002, "reader", bytes.NewReader(testData(300)))
	_, err := network.upload(t, 0x3002, 0, make([]byte, 1024), true)
	assert.Equal(t, AbortBlockSize, err)
}

func TestClientTimeout(t *testing.T) {
	transport := newRecorder()
	client, err := NewClient(transport, nil, nodeIdClient, nil, nil, nil, ClientConfig{TimeoutMs: 100})
	require.Nil(t, err)
	require.Nil(t, client.Setup(0, 0, nodeIdServer))
	require.Nil(t, client.UploadInitiate(0x2000, 0, make([]byte, 10), false))

	result, _, err := client.Upload(1)
	assert.Nil(t, err)
	assert.Equal(t, ResultWaitingResponse, result)
	assert.Equal(t, []Message{encodeInitiate(0x40, 0x2000, 0)}, transport.take())
	assert.EqualValues(t, 100, client.TimerNextMs())

	_, _, err = client.Upload(60)
	assert.Nil(t, err)
	_, _, err = client.Upload(60)
	assert.Equal(t, AbortTimeout, err)
	assert.Equal(t, []Message{encodeAbort(0x2000, 0, AbortTimeout)}, transport.take())

	// Abort is sent only once
	_, _, err = client.Upload(1000)
	assert.ErrorIs(t, err, ErrNoTransfer)
	assert.Empty(t, transport.take())
}

func TestClientAbort(t *testing.T) {
	transport := newRecorder()
	client, err := NewClient(transport, nil, nodeIdClient, nil, nil, nil, DefaultClientConfig())
	require.Nil(t, err)
	require.Nil(t, client.Setup(0, 0, nodeIdServer))
	require.Nil(t, client.DownloadInitiate(0x2000, 0, testData(20), false))
	_, err = client.Download(1)
	assert.Nil(t, err)
	transport.take()

	client.Abort(AbortDataTransfer)
	_, err = client.Download(1)
	assert.Equal(t, AbortDataTransfer, err)
	assert.Equal(t, []Message{encodeAbort(0x2000, 0, AbortDataTransfer)}, transport.take())
}

func TestClientTxBusy(t *testing.T) {
	transport := newRecorder()
	client, err := NewClient(transport, nil, nodeIdClient, nil, nil, nil, DefaultClientConfig())
	require.Nil(t, err)
	require.Nil(t, client.Setup(0, 0, nodeIdServer))
	require.Nil(t, client.DownloadInitiate(0x2004, 0, []byte{1, 2, 3, 4}, false))
	transport.busy = true
	result, err := client.Download(1)
	assert.Nil(t, err)
	assert.Equal(t, ResultTransmitBufferFull, result)
	assert.Empty(t, transport.take())
	transport.busy = false
	result, err = client.Download(1)
	assert.Nil(t, err)
	assert.Equal(t, ResultWaitingResponse, result)
	assert.Equal(t, []Message{{0x23, 0x04, 0x20, 0x00, 1, 2, 3, 4}}, transport.take())
}

// Responses are injected on the server to client identifier
type clientFixture struct {
	client    *Client
	transport *recorder
}

func newClientFixture(t *testing.T) *clientFixture {
	transport := newRecorder()
	client, err := NewClient(transport, nil, nodeIdClient, nil, nil, nil, DefaultClientConfig())
	require.Nil(t, err)
	require.Nil(t, client.Setup(0, 0, nodeIdServer))
	return &clientFixture{client: client, transport: transport}
}

func (f *clientFixture) respond(msg Message) {
	f.transport.deliver(ServerServiceId+uint32(nodeIdServer), msg)
}

func (f *clientFixture) download() (ClientResult, []Message, error) {
	result, err := f.client.Download(1)
	return result, f.transport.take(), err
}

func TestClientWrongToggle(t *testing.T) {
	fixture := newClientFixture(t)
	require.Nil(t, fixture.client.DownloadInitiate(0x2000, 0, testData(20), false))
	_, sent, err := fixture.download()
	require.Nil(t, err)
	assert.Equal(t, []Message{encodeInitiateSize(0x21, 0x2000, 0, 20)}, sent)

	fixture.respond(encodeInitiate(0x60, 0x2000, 0))
	_, sent, err = fixture.download()
	require.Nil(t, err)
	require.Len(t, sent, 1)
	assert.EqualValues(t, 0x00, sent[0][0])

	fixture.respond(Message{0x30})
	_, sent, err = fixture.download()
	assert.Equal(t, AbortToggleBit, err)
	assert.Equal(t, []Message{encodeAbort(0x2000, 0, AbortToggleBit)}, sent)
}

func TestClientWrongObject(t *testing.T) {
	fixture := newClientFixture(t)
	require.Nil(t, fixture.client.DownloadInitiate(0x2000, 0, testData(20), false))
	_, _, err := fixture.download()
	require.Nil(t, err)
	fixture.respond(encodeInitiate(0x60, 0x2001, 0))
	_, sent, err := fixture.download()
	assert.Equal(t, AbortParamIncompat, err)
	assert.Equal(t, []Message{encodeAbort(0x2000, 0, AbortParamIncompat)}, sent)
}

func TestClientBlockDownloadRetransmit(t *testing.T) {
	fixture := newClientFixture(t)
	data := testData(35)
	require.Nil(t, fixture.client.DownloadInitiate(0x2000, 0, data, true))
	_, sent, err := fixture.download()
	require.Nil(t, err)
	assert.Equal(t, []Message{encodeInitiateSize(0xC6, 0x2000, 0, 35)}, sent)

	response := encodeInitiate(0xA4, 0x2000, 0)
	response[4] = 127
	fixture.respond(response)
	for i := 1; i <= 5; i++ {
		result, sent, err := fixture.download()
		require.Nil(t, err)
		assert.Equal(t, ResultBlockDownloadInProgress, result)
		assert.Equal(t, []Message{encodeBlockSegment(uint8(i), data[(i-1)*7:i*7], i == 5)}, sent)
	}
	result, sent, err := fixture.download()
	require.Nil(t, err)
	assert.Equal(t, ResultWaitingResponse, result)
	assert.Empty(t, sent)

	// Server only got the first two segments
	fixture.respond(encodeBlockAck(scsDownloadBlock, 2, 127))
	_, sent, err = fixture.download()
	require.Nil(t, err)
	assert.Equal(t, []Message{encodeBlockSegment(1, data[14:21], false)}, sent)
	for i := 2; i <= 3; i++ {
		_, sent, err = fixture.download()
		require.Nil(t, err)
		assert.Equal(t, []Message{encodeBlockSegment(uint8(i), data[7+i*7:14+i*7], i == 3)}, sent)
	}

	fixture.respond(encodeBlockAck(scsDownloadBlock, 3, 127))
	_, sent, err = fixture.download()
	require.Nil(t, err)
	var crcValue crc.CRC16
	crcValue.Block(data)
	assert.Equal(t, []Message{encodeBlockEnd(ccsDownloadBlock, 0, crcValue)}, sent)

	fixture.respond(Message{0xA1})
	result, _, err = fixture.download()
	assert.Nil(t, err)
	assert.Equal(t, ResultOk, result)
}

func TestClientBlockDownloadFinalAck(t *testing.T) {
	fixture := newClientFixture(t)
	data := testData(22)
	require.Nil(t, fixture.client.DownloadInitiate(0x2000, 0, data, true))
	_, _, err := fixture.download()
	require.Nil(t, err)
	response := encodeInitiate(0xA4, 0x2000, 0)
	response[4] = 4
	fixture.respond(response)
	for i := 1; i <= 4; i++ {
		_, sent, err := fixture.download()
		require.Nil(t, err)
		assert.Equal(t, []Message{encodeBlockSegment(uint8(i), data[(i-1)*7:min(i*7, 22)], i == 4)}, sent)
	}

	// Block size of the last acknowledge is not used
	fixture.respond(encodeBlockAck(scsDownloadBlock, 4, 0))
	_, sent, err := fixture.download()
	require.Nil(t, err)
	var crcValue crc.CRC16
	crcValue.Block(data)
	assert.Equal(t, []Message{encodeBlockEnd(ccsDownloadBlock, 6, crcValue)}, sent)

	fixture.respond(Message{0xA1})
	result, _, err := fixture.download()
	assert.Nil(t, err)
	assert.Equal(t, ResultOk, result)
}

func TestClientBlockDownloadInvalidBlockSize(t *testing.T) {
	fixture := newClientFixture(t)
	data := testData(35)
	require.Nil(t, fixture.client.DownloadInitiate(0x2000, 0, data, true))
	_, _, err := fixture.download()
	require.Nil(t, err)
	response := encodeInitiate(0xA4, 0x2000, 0)
	response[4] = 2
	fixture.respond(response)
	for i := 1; i <= 2; i++ {
		_, _, err := fixture.download()
		require.Nil(t, err)
	}
	fixture.respond(encodeBlockAck(scsDownloadBlock, 2, 0))
	_, sent, err := fixture.download()
	assert.Equal(t, AbortBlockSize, err)
	assert.Equal(t, []Message{encodeAbort(0x2000, 0, AbortBlockSize)}, sent)
}

func TestClientRxOverflowKeepsFirst(t *testing.T) {
	transport := newRecorder()
	emcy := &reporter{}
	client, err := NewClient(transport, nil, nodeIdClient, nil, nil, emcy, DefaultClientConfig())
	require.Nil(t, err)
	require.Nil(t, client.Setup(0, 0, nodeIdServer))
	require.Nil(t, client.DownloadInitiate(0x2003, 0, []byte{0x34, 0x12}, false))
	result, err := client.Download(1)
	require.Nil(t, err)
	assert.Equal(t, ResultWaitingResponse, result)
	transport.take()

	transport.deliver(0x590, encodeInitiate(0x60, 0x2003, 0))
	transport.deliver(0x590, encodeAbort(0x2003, 0, AbortGeneral))
	require.Len(t, emcy.reports, 1)
	assert.Equal(t, errorReport{emergency.EmRxMsgOverflow, emergency.ErrCommunication, 0x590}, emcy.reports[0])

	// Transfer ends with the first response, the abort was dropped
	result, err = client.Download(1)
	assert.Nil(t, err)
	assert.Equal(t, ResultOk, result)
	assert.Empty(t, transport.take())
}

func TestClientSetupEntryError(t *testing.T) {
	odict := od.Default()
	client, err := NewClient(newRecorder(), odict, nodeIdClient, nil, odict.Index(0x1280), nil, DefaultClientConfig())
	require.Nil(t, err)
	logger, hook := logtest.NewNullLogger()
	client.logger = logger.WithField("service", "[CLIENT]")

	// 0x1200 has no sub index 3
	client.entry1280 = odict.Index(0x1200)
	require.Nil(t, client.Setup(0, 0, nodeIdServer))
	assert.True(t, client.valid)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)
	assert.Contains(t, hook.LastEntry().Message, "SDO server parameter")
}

func TestClientBlockUploadLostSegment(t *testing.T) {
	fixture := newClientFixture(t)
	buffer := make([]byte, 28)
	require.Nil(t, fixture.client.UploadInitiate(0x2000, 0, buffer, true))
	_, _, err := fixture.client.Upload(1)
	require.Nil(t, err)
	request := fixture.transport.take()
	require.Len(t, request, 1)
	assert.EqualValues(t, 0xA4, request[0][0])
	assert.EqualValues(t, 4, request[0].BlockSize())
	assert.EqualValues(t, DefaultProtocolSwitchThreshold, request[0].SwitchThreshold())

	fixture.respond(encodeInitiateSize(0xC6, 0x2000, 0, 20))
	result, _, err := fixture.client.Upload(1)
	require.Nil(t, err)
	assert.Equal(t, ResultBlockUploadInProgress, result)
	assert.Equal(t, []Message{{0xA3}}, fixture.transport.take())

	data := []byte("ABCDEFGHIJKLMNOPQRST")
	fixture.respond(encodeBlockSegment(1, data[:7], false))
	_, _, err = fixture.client.Upload(1)
	require.Nil(t, err)
	fixture.respond(encodeBlockSegment(3, data[14:], true))
	_, _, err = fixture.client.Upload(1)
	require.Nil(t, err)
	sent := fixture.transport.take()
	require.Len(t, sent, 1)
	assert.EqualValues(t, 0xA2, sent[0][0])
	assert.EqualValues(t, 1, sent[0].AckSequence())

	fixture.respond(encodeBlockSegment(1, data[7:14], false))
	_, _, err = fixture.client.Upload(1)
	require.Nil(t, err)
	fixture.respond(encodeBlockSegment(2, data[14:], true))
	_, _, err = fixture.client.Upload(1)
	require.Nil(t, err)
	sent = fixture.transport.take()
	require.Len(t, sent, 1)
	assert.EqualValues(t, 2, sent[0].AckSequence())

	var crcValue crc.CRC16
	crcValue.Block(data)
	fixture.respond(encodeBlockEnd(scsUploadBlock, 1, crcValue))
	result, size, err := fixture.client.Upload(1)
	assert.Nil(t, err)
	assert.Equal(t, ResultOk, result)
	assert.EqualValues(t, 20, size)
	assert.Equal(t, data, buffer[:20])
	assert.Equal(t, []Message{{0xA1}}, fixture.transport.take())
}

func TestClientBlockUploadCRC(t *testing.T) {
	fixture := newClientFixture(t)
	require.Nil(t, fixture.client.UploadInitiate(0x2000, 0, make([]byte, 28), true))
	_, _, err := fixture.client.Upload(1)
	require.Nil(t, err)
	fixture.respond(encodeInitiateSize(0xC6, 0x2000, 0, 5))
	_, _, err = fixture.client.Upload(1)
	require.Nil(t, err)
	fixture.respond(encodeBlockSegment(1, []byte("ABCDE"), true))
	_, _, err = fixture.client.Upload(1)
	require.Nil(t, err)
	fixture.transport.take()

	fixture.respond(encodeBlockEnd(scsUploadBlock, 2, 0x1234))
	_, _, err = fixture.client.Upload(1)
	assert.Equal(t, AbortCRC, err)
	assert.Equal(t, []Message{encodeAbort(0x2000, 0, AbortCRC)}, fixture.transport.take())
}

func TestClientBlockUploadTimeout(t *testing.T) {
	fixture := newClientFixture(t)
	require.Nil(t, fixture.client.UploadInitiate(0x2000, 0, make([]byte, 70), true))
	_, _, err := fixture.client.Upload(1)
	require.Nil(t, err)
	fixture.respond(encodeInitiate(0xC4, 0x2000, 0))
	_, _, err = fixture.client.Upload(1)
	require.Nil(t, err)
	fixture.respond(encodeBlockSegment(1, testData(7), false))
	_, _, err = fixture.client.Upload(1)
	require.Nil(t, err)
	fixture.transport.take()

	// Half of the SDO timeout without segments forces an acknowledge
	_, _, err = fixture.client.Upload(DefaultClientTimeout / 2)
	require.Nil(t, err)
	sent := fixture.transport.take()
	require.Len(t, sent, 1)
	assert.Equal(t, encodeBlockAck(ccsUploadBlock, 1, 9), sent[0])
}

func TestClientLocal(t *testing.T) {
	odict := od.Default()
	transport := newRecorder()
	server, err := NewServer(transport, odict, nodeIdServer, nil, nil, DefaultServerConfig())
	require.Nil(t, err)
	client, err := NewClient(transport, odict, nodeIdServer, server, nil, nil, DefaultClientConfig())
	require.Nil(t, err)
	require.Nil(t, client.Setup(0, 0, nodeIdServer))

	require.Nil(t, client.DownloadInitiate(0x2003, 0, []byte{0x11, 0x22}, true))
	result, err := client.Download(1)
	assert.Nil(t, err)
	assert.Equal(t, ResultOk, result)
	value, _ := odict.Index(0x2003).Uint16(0)
	assert.EqualValues(t, 0x2211, value)

	buffer := make([]byte, 30)
	require.Nil(t, client.UploadInitiate(0x2000, 0, buffer, true))
	result, size, err := client.Upload(1)
	assert.Nil(t, err)
	assert.Equal(t, ResultOk, result)
	assert.Equal(t, []byte("ABCDEFGHIJKLMNOPQRST"), buffer[:size])
	// Nothing goes on the bus
	assert.Empty(t, transport.take())

	require.Nil(t, client.UploadInitiate(0x2000, 0, make([]byte, 10), true))
	_, _, err = client.Upload(1)
	assert.Equal(t, AbortOutOfMem, err)
	require.Nil(t, client.DownloadInitiate(0x2003, 0, []byte{0x11}, true))
	_, err = client.Download(1)
	assert.Equal(t, AbortTypeMismatch, err)
	require.Nil(t, client.DownloadInitiate(0x2008, 0, []byte{1, 2, 3, 4}, true))
	_, err = client.Download(1)
	assert.Equal(t, AbortReadOnly, err)

	// Server is busy with a remote client
	transport.deliver(ClientServiceId+uint32(nodeIdServer), encodeInitiateSize(0x21, 0x2000, 0, 20))
	_, err = server.Process(true, 1)
	require.Nil(t, err)
	require.True(t, server.Busy())
	require.Nil(t, client.DownloadInitiate(0x2003, 0, []byte{0x11, 0x22}, true))
	result, err = client.Download(1)
	assert.Equal(t, ResultWaitingLocalTransfer, result)
	assert.ErrorIs(t, err, canopen.ErrLocalBusy)
	require.Nil(t, client.UploadInitiate(0x2003, 0, make([]byte, 2), true))
	_, _, err = client.Upload(1)
	assert.ErrorIs(t, err, canopen.ErrLocalBusy)
	assert.ErrorIs(t, err, AbortDeviceIncompat)
}

func TestClientHelpers(t *testing.T) {
	network := newNetwork(t, DefaultServerConfig(), DefaultClientConfig())
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-network.server.Notify():
				network.server.Process(true, 1)
			case <-stop:
				return
			}
		}
	}()
	client := network.client

	value, err := client.ReadUint8(nodeIdServer, 0x2001, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x10, value)
	assert.Nil(t, client.WriteUint16(nodeIdServer, 0x2003, 0, 0xABCD))
	value16, err := client.ReadUint16(nodeIdServer, 0x2003, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0xABCD, value16)
	assert.Nil(t, client.WriteUint32(nodeIdServer, 0x2004, 0, 0x01020304))
	value32, err := client.ReadUint32(nodeIdServer, 0x2004, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x01020304, value32)
	value64, err := client.ReadUint64(nodeIdServer, 0x2005, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, uint64(0x6666666666666666), value64)
	// Value does not fit
	_, err = client.ReadUint16(nodeIdServer, 0x2004, 0)
	assert.Equal(t, AbortOutOfMem, err)

	assert.Nil(t, client.WriteRaw(nodeIdServer, 0x2000, 0, "abcdefghijklmnopqrst", false))
	all, err := client.ReadAll(nodeIdServer, 0x2000, 0)
	assert.Nil(t, err)
	assert.Equal(t, []byte("abcdefghijklmnopqrst"), all)

	// Block upload is refused for this domain, segmented transfer is used
	data := testData(300)
	network.od.AddReader(0x3002, "reader", bytes.NewReader(data))
	all, err = client.ReadAll(nodeIdServer, 0x3002, 0)
	assert.Nil(t, err)
	assert.Equal(t, data, all)

	err = client.WriteRaw(nodeIdServer, 0x2008, 0, uint32(1), false)
	assert.Equal(t, AbortReadOnly, err)
}
