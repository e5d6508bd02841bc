package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/srg/bleapp/internal/advdata"
	"github.com/srg/bleapp/internal/stack"
	"github.com/srg/bleapp/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type mockDevice struct {
	mock.Mock
}

func (m *mockDevice) AddService(svc *ble.Service) error { return m.Called(svc).Error(0) }
func (m *mockDevice) Stop() error                       { return m.Called().Error(0) }

func (m *mockDevice) AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error {
	return m.Called(ctx, name, uuids).Error(0)
}

func (m *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

func (m *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	c, _ := args.Get(0).(ble.Client)
	return c, args.Error(1)
}

type fakeAdv struct {
	ble.Advertisement
	name        string
	addr        string
	rssi        int
	services    []ble.UUID
	mfg         []byte
	connectable bool
}

func (a *fakeAdv) LocalName() string        { return a.name }
func (a *fakeAdv) ManufacturerData() []byte { return a.mfg }
func (a *fakeAdv) Services() []ble.UUID     { return a.services }
func (a *fakeAdv) Connectable() bool        { return a.connectable }
func (a *fakeAdv) RSSI() int                { return a.rssi }
func (a *fakeAdv) Addr() ble.Addr           { return ble.NewAddr(a.addr) }

type fakeClient struct {
	ble.Client
	done chan struct{}
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.done }

type fakeConn struct {
	addr string
	mtu  int
	done chan struct{}
}

func (c *fakeConn) RemoteAddr() ble.Addr          { return ble.NewAddr(c.addr) }
func (c *fakeConn) TxMTU() int                    { return c.mtu }
func (c *fakeConn) Disconnected() <-chan struct{} { return c.done }

type fakeNotifier struct {
	ble.Notifier
	ctx context.Context

	mu     sync.Mutex
	writes [][]byte
}

func (n *fakeNotifier) Context() context.Context { return n.ctx }

func (n *fakeNotifier) Write(b []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.writes = append(n.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (n *fakeNotifier) Writes() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.writes...)
}

// waitCtx blocks a mocked call until its context ends.
func waitCtx(args mock.Arguments) {
	<-args.Get(0).(context.Context).Done()
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type GoBLEStackTestSuite struct {
	suite.Suite

	dev      *mockDevice
	stack    *Stack
	rec      *testutils.EventRecorder
	original func() (Device, error)
}

func (s *GoBLEStackTestSuite) SetupTest() {
	helper := testutils.NewTestHelper(s.T())
	s.dev = &mockDevice{}
	s.original = DeviceFactory
	DeviceFactory = func() (Device, error) { return s.dev, nil }

	s.stack = New(WithLogger(helper.Logger), WithConnectTimeout(time.Second))
	s.rec = &testutils.EventRecorder{}
	s.rec.Attach(s.stack)
}

func (s *GoBLEStackTestSuite) TearDownTest() {
	if s.stack.IsInitialized() {
		s.dev.On("Stop").Return(nil).Maybe()
		_ = s.stack.Shutdown()
	}
	DeviceFactory = s.original
}

func (s *GoBLEStackTestSuite) initStack() {
	done := make(chan error, 1)
	s.Require().NoError(s.stack.Init(func(err error) { done <- err }))
	select {
	case err := <-done:
		s.Require().NoError(err, "initialization MUST succeed")
	case <-time.After(time.Second):
		s.FailNow("initialization MUST complete")
	}
	s.Require().True(s.stack.IsInitialized())
}

func (s *GoBLEStackTestSuite) eventually(k stack.EventKind) stack.Event {
	s.Require().Eventually(func() bool { return s.rec.Has(k) }, time.Second, time.Millisecond, "%s event MUST arrive", k)
	ev, _ := s.rec.Last(k)
	return ev
}

func (s *GoBLEStackTestSuite) TestInitAndShutdown() {
	s.initStack()
	s.ErrorIs(s.stack.Init(nil), stack.ErrAlreadyInitialized)

	s.dev.On("Stop").Return(nil).Once()
	s.NoError(s.stack.Shutdown())
	s.False(s.stack.IsInitialized())
	s.dev.AssertExpectations(s.T())

	s.ErrorIs(s.stack.Shutdown(), stack.ErrInitializationIncomplete, "second shutdown MUST report the stack down")
}

func (s *GoBLEStackTestSuite) TestInitFailure() {
	DeviceFactory = func() (Device, error) {
		return nil, errors.New("can't init hci: operation not permitted")
	}

	done := make(chan error, 1)
	s.Require().NoError(s.stack.Init(func(err error) { done <- err }))
	select {
	case err := <-done:
		s.ErrorIs(err, stack.ErrOperationNotPermitted)
	case <-time.After(time.Second):
		s.FailNow("initialization MUST complete")
	}
	s.False(s.stack.IsInitialized())
}

func (s *GoBLEStackTestSuite) TestCommandsRequireInit() {
	s.ErrorIs(s.stack.StartScan(0), stack.ErrInitializationIncomplete)
	s.ErrorIs(s.stack.StartAdvertising(0), stack.ErrInitializationIncomplete)
	s.ErrorIs(s.stack.Connect(stack.PeerAddress{}), stack.ErrInitializationIncomplete)
	s.ErrorIs(s.stack.AddService(&stack.Service{UUID: "180d"}), stack.ErrInitializationIncomplete)
}

func (s *GoBLEStackTestSuite) TestScanReportsAndTimesOut() {
	// GOAL: Advertisements become raw reports and an elapsed scan posts a timeout
	//
	// TEST SCENARIO: scan for 50ms → device reports "Y" → report event → scan timeout event

	s.initStack()
	adv := &fakeAdv{name: "Y", addr: "c0:98:e5:49:00:02", rssi: -61, connectable: true, services: []ble.UUID{ble.UUID16(0x180d)}}
	s.dev.On("Scan", mock.Anything, true, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(2).(ble.AdvHandler)(adv)
		waitCtx(args)
	}).Return(nil).Once()

	s.Require().NoError(s.stack.SetScanParameters(stack.ScanParameters{Interval: 80, Window: 40}))
	s.Require().NoError(s.stack.StartScan(50 * time.Millisecond))
	s.ErrorIs(s.stack.StartScan(0), stack.ErrInvalidState, "second scan MUST be rejected")

	report := s.eventually(stack.KindAdvertisingReport).(stack.AdvertisingReportEvent)
	s.Equal("C0:98:E5:49:00:02", report.Peer.Address.String())
	s.Equal(int8(-61), report.RSSI)
	s.True(report.Connectable)
	name, ok := advdata.LocalName(report.Payload)
	s.True(ok)
	s.Equal("Y", string(name))

	s.eventually(stack.KindScanTimeout)
	s.False(s.stack.IsScanning())
}

func (s *GoBLEStackTestSuite) TestStopScanPostsNothing() {
	s.initStack()
	returned := make(chan struct{})
	s.dev.On("Scan", mock.Anything, true, mock.Anything).Run(func(args mock.Arguments) {
		waitCtx(args)
		close(returned)
	}).Return(context.Canceled).Once()

	s.Require().NoError(s.stack.StartScan(0))
	s.Require().NoError(s.stack.StopScan())
	select {
	case <-returned:
	case <-time.After(time.Second):
		s.FailNow("scan MUST end on StopScan")
	}
	time.Sleep(10 * time.Millisecond)
	s.False(s.rec.Has(stack.KindScanTimeout), "stopped scan MUST NOT report a timeout")
}

func (s *GoBLEStackTestSuite) TestAdvertising() {
	// GOAL: The payload's name and services are advertised and an elapsed round posts its end
	//
	// TEST SCENARIO: payload with name X and 0x180d → advertise 30ms → AdvertisingEnd

	s.initStack()
	s.dev.On("AdvertiseNameAndServices", mock.Anything, "X", []ble.UUID{ble.UUID16(0x180d)}).
		Run(waitCtx).Return(nil).Once()

	payload, err := advdata.Build(advdata.MaxAdvertisingPayloadSize,
		advdata.Flags(advdata.FlagLEGeneralDiscoverable|advdata.FlagBREDRNotSupported),
		advdata.ServiceUUID16(0x180d),
		advdata.CompleteName("X"))
	s.Require().NoError(err)

	s.Require().NoError(s.stack.SetAdvertisingParameters(stack.AdvertisingParameters{Interval: 40 * time.Millisecond}))
	s.Require().NoError(s.stack.SetAdvertisingPayload(payload))
	s.Require().NoError(s.stack.StartAdvertising(30 * time.Millisecond))
	s.True(s.stack.IsAdvertisingActive())
	s.ErrorIs(s.stack.StartAdvertising(0), stack.ErrInvalidState)

	ev := s.eventually(stack.KindAdvertisingEnd).(stack.AdvertisingEndEvent)
	s.False(ev.Connected)
	s.False(s.stack.IsAdvertisingActive())
	s.dev.AssertExpectations(s.T())
}

func (s *GoBLEStackTestSuite) TestAdvertisingValidation() {
	s.initStack()

	s.ErrorIs(s.stack.SetAdvertisingParameters(stack.AdvertisingParameters{Interval: time.Millisecond}), stack.ErrParamOutOfRange)
	s.ErrorIs(s.stack.SetAdvertisingPayload(make([]byte, advdata.MaxAdvertisingPayloadSize+1)), stack.ErrBufferOverflow)
	s.ErrorIs(s.stack.SetAdvertisingPayload([]byte{0x05, 0x09, 'X'}), stack.ErrInvalidParam)
	s.ErrorIs(s.stack.SetScanParameters(stack.ScanParameters{Interval: 10, Window: 20}), stack.ErrInvalidParam)
}

func (s *GoBLEStackTestSuite) TestConnect() {
	s.initStack()
	client := &fakeClient{done: make(chan struct{})}
	s.dev.On("Dial", mock.Anything, mock.Anything).Return(client, nil).Once()

	peer := stack.PeerAddress{Address: stack.Address{0xC0, 0x98, 0xE5, 0x49, 0x00, 0x02}}
	s.Require().NoError(s.stack.Connect(peer))

	ev := s.eventually(stack.KindConnectionComplete).(stack.ConnectionCompleteEvent)
	s.True(ev.Success())
	s.Equal(stack.RoleCentral, ev.Role)
	s.Equal(stack.ConnectionHandle(1), ev.Handle)
	s.Equal(peer, ev.Peer)

	close(client.done)
	disc := s.eventually(stack.KindDisconnectionComplete).(stack.DisconnectionCompleteEvent)
	s.Equal(ev.Handle, disc.Handle)
}

func (s *GoBLEStackTestSuite) TestConnectFailure() {
	s.initStack()
	s.dev.On("Dial", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()

	s.Require().NoError(s.stack.Connect(stack.PeerAddress{}))
	ev := s.eventually(stack.KindConnectionComplete).(stack.ConnectionCompleteEvent)
	s.False(ev.Success())
	s.ErrorIs(ev.Err, stack.ErrUnspecified)
}

func (s *GoBLEStackTestSuite) addService() stack.Service {
	s.dev.On("AddService", mock.Anything).Return(nil).Once()
	svc := stack.Service{
		UUID: "00001523-1212-efde-1523-785feabcd123",
		Characteristics: []*stack.Characteristic{
			{UUID: "00001524-1212-efde-1523-785feabcd123", Properties: stack.PropRead | stack.PropWrite | stack.PropNotify, Value: []byte{7}},
		},
	}
	s.Require().NoError(s.stack.AddService(&svc))
	s.Require().NotZero(svc.Characteristics[0].Handle)
	return svc
}

func (s *GoBLEStackTestSuite) TestClientRequestsOpenPeripheralLink() {
	// GOAL: The first request of a new client reports a peripheral connection before the request itself
	//
	// TEST SCENARIO: read → connection, MTU change, read; write on same link → write only; link drops → disconnection

	s.initStack()
	h := s.addService().Characteristics[0].Handle
	conn := &fakeConn{addr: "c0:98:e5:49:00:03", mtu: 185, done: make(chan struct{})}

	s.Equal([]byte{7}, s.stack.onRead(conn, h))
	s.stack.onWrite(conn, h, 0, []byte{9})

	s.Equal([]stack.EventKind{
		stack.KindConnectionComplete,
		stack.KindMTUChange,
		stack.KindRead,
		stack.KindWrite,
	}, s.rec.Kinds())
	s.Equal([]byte{9}, s.stack.value(h), "write MUST update the stored value")

	connEv, _ := s.rec.Last(stack.KindConnectionComplete)
	s.Equal(stack.RolePeripheral, connEv.(stack.ConnectionCompleteEvent).Role)

	close(conn.done)
	s.eventually(stack.KindDisconnectionComplete)
}

func (s *GoBLEStackTestSuite) TestSubscriptionsReceiveUpdates() {
	s.initStack()
	h := s.addService().Characteristics[0].Handle
	conn := &fakeConn{addr: "c0:98:e5:49:00:03", mtu: 23, done: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	n := &fakeNotifier{ctx: ctx}
	go s.stack.onSubscribe(conn, h, n)
	s.eventually(stack.KindUpdatesEnabled)

	s.NoError(s.stack.UpdateValue(h, []byte{1, 2}))
	s.Equal([][]byte{{1, 2}}, n.Writes())
	s.ErrorIs(s.stack.UpdateValue(h+100, []byte{1}), stack.ErrInvalidParam)

	cancel()
	s.eventually(stack.KindUpdatesDisabled)
	s.NoError(s.stack.UpdateValue(h, []byte{3}))
	s.Len(n.Writes(), 1, "unsubscribed client MUST NOT be notified")
}

func TestGoBLEStackTestSuite(t *testing.T) {
	suite.Run(t, new(GoBLEStackTestSuite))
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg  string
		code stack.ErrorCode
	}{
		{"central manager has invalid state: have=4 want=5: is Bluetooth turned on?", stack.CodeInternalStackFailure},
		{"Bluetooth is turned off", stack.CodeInternalStackFailure},
		{"can't init hci: no devices available", stack.CodeOperationNotPermitted},
		{"device already connected", stack.CodeInvalidState},
		{"device not connected", stack.CodeInvalidState},
		{"connection is not initialized", stack.CodeInitializationIncomplete},
		{"something else", stack.CodeUnspecified},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := NormalizeError("Op", errors.New(tt.msg))
			assert.Equal(t, tt.code, stack.CodeOf(err))
		})
	}

	assert.Nil(t, NormalizeError("Op", nil))
	coded := stack.NewError("Op", stack.CodeNoMem)
	assert.Same(t, coded, NormalizeError("Other", coded), "coded errors MUST pass through")
	assert.Equal(t, stack.CodeStackBusy, stack.CodeOf(NormalizeError("Op", context.DeadlineExceeded)))
}

func TestEncodeReport(t *testing.T) {
	long := uuid.MustParse("00001523-1212-efde-1523-785feabcd123")
	adv := &fakeAdv{
		name:     "Y",
		services: []ble.UUID{ble.UUID16(0x180d), ble.MustParse(long.String())},
		mfg:      []byte{0x59, 0x00, 0xAA},
	}

	f, err := advdata.Decode(encodeReport(adv, testutils.NewTestHelper(t).Logger))
	require.NoError(t, err)
	assert.Equal(t, "Y", f.CompleteName)
	assert.Equal(t, []uint16{0x180d}, f.Services16)
	assert.Equal(t, []uuid.UUID{long}, f.Services128)
	assert.Equal(t, []byte{0x59, 0x00, 0xAA}, f.ManufacturerData)
}

func TestEncodeReport_NameSurvivesOverflow(t *testing.T) {
	// GOAL: When decoded fields exceed the payload, the name is kept so the target can still match
	//
	// TEST SCENARIO: many 128-bit services plus a large manufacturer block → name decodes, overflow dropped

	var services []ble.UUID
	for i := 0; i < 20; i++ {
		services = append(services, ble.MustParse(uuid.New().String()))
	}
	adv := &fakeAdv{name: "target", services: services, mfg: make([]byte, 200)}

	payload := encodeReport(adv, testutils.NewTestHelper(t).Logger)
	assert.LessOrEqual(t, len(payload), advdata.MaxElementLength)

	name, ok := advdata.LocalName(payload)
	require.True(t, ok, "name MUST be encoded")
	assert.Equal(t, "target", string(name))
}

type rawAdv struct {
	fakeAdv
	data, sr []byte
}

func (a *rawAdv) Data() []byte         { return a.data }
func (a *rawAdv) ScanResponse() []byte { return a.sr }

func TestReportPayload_UsesRawData(t *testing.T) {
	// GOAL: Received bytes are passed through unchanged when the platform keeps them
	//
	// TEST SCENARIO: shortened name in the raw data → no complete name in the report payload

	logger := testutils.NewTestHelper(t).Logger
	adv := &rawAdv{
		fakeAdv: fakeAdv{name: "Y"},
		data:    []byte{0x02, 0x01, 0x06, 0x02, 0x08, 'Y'},
		sr:      []byte{0x03, 0x03, 0x0d, 0x18},
	}

	payload := reportPayload(adv, logger)
	assert.Equal(t, []byte{0x02, 0x01, 0x06, 0x02, 0x08, 'Y', 0x03, 0x03, 0x0d, 0x18}, payload)
	_, ok := advdata.LocalName(payload)
	assert.False(t, ok, "shortened name MUST NOT be promoted to a complete name")

	empty := &rawAdv{fakeAdv: fakeAdv{name: "Y"}}
	name, ok := advdata.LocalName(reportPayload(empty, logger))
	require.True(t, ok, "without raw data the decoded fields MUST be re-encoded")
	assert.Equal(t, "Y", string(name))
}

func TestDecodeAddress(t *testing.T) {
	addr, ok := decodeAddress(ble.NewAddr("aa:bb:cc:dd:ee:ff"))
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr.String())

	addr, ok = decodeAddress(ble.NewAddr("5e6b2a90-4f4b-4f8e-9a7c-0b0c0d0e0f10"))
	require.True(t, ok, "platform identifiers MUST map to an address")
	assert.Equal(t, "5E:6B:2A:90:4F:4B", addr.String())

	_, ok = decodeAddress(ble.NewAddr("nonsense"))
	assert.False(t, ok)
	_, ok = decodeAddress(nil)
	assert.False(t, ok)
}

func TestToBleProperty(t *testing.T) {
	p := toBleProperty(stack.PropRead | stack.PropWriteWithoutResponse | stack.PropNotify)
	assert.Equal(t, ble.CharRead|ble.CharWriteNR|ble.CharNotify, p)
}
