package bleapp_test

import (
	"strings"
	"testing"
	"time"

	"github.com/srg/bleapp/internal/advdata"
	"github.com/srg/bleapp/internal/stack"
	"github.com/srg/bleapp/internal/stack/sim"
	"github.com/srg/bleapp/internal/testutils"
	"github.com/srg/bleapp/pkg/bleapp"
	"github.com/stretchr/testify/suite"
)

const (
	peerAddress  = "C0:98:E5:49:00:02"
	otherAddress = "C0:98:E5:49:00:03"
)

type AppTestSuite struct {
	testutils.SimStackSuite
}

func (s *AppTestSuite) assertTranscript(expected string) {
	s.T().Helper()
	testutils.NewTextAsserter(s.T()).WithOptions(testutils.WithTrimSpace(true)).
		Assert(s.Stack.Transcript(), expected)
}

func (s *AppTestSuite) inject(fn func()) {
	fn()
	s.Settle()
}

func (s *AppTestSuite) TestAdvertisingHappyPath() {
	// GOAL: A configured advertising name results in exactly one advertising start
	//
	// TEST SCENARIO: name "X" set before start → init → parameters, payload, start advertising; no scan

	s.Require().True(s.App.SetAdvertisingName("X"))
	s.StartApp(nil)

	s.assertTranscript(`
Init
SetAdvertisingParameters type=connectable-undirected interval=40ms
SetAdvertisingPayload flags=0x06 name="X" len=6
StartAdvertising duration=10s`)

	name, ok := advdata.LocalName(s.Stack.Payload())
	s.Require().True(ok, "payload MUST carry the complete local name")
	s.Equal("X", string(name))
	s.Equal(bleapp.StateAdvertising, s.App.Status().State)
	s.Equal("X", s.App.AdvertisingName())
}

func (s *AppTestSuite) TestScanAndConnect() {
	// GOAL: A report from the target stops the scan and requests a connection
	//
	// TEST SCENARIO: target "Y" → scan → matching report → StopScan then Connect

	s.App.SetTargetName("Y")
	s.StartApp(nil)

	report := testutils.NewReportBuilder().WithName("Y").WithAddress(peerAddress).Build()
	s.inject(func() { s.Stack.InjectAdvertisingReport(report) })

	s.assertTranscript(`
Init
SetScanParameters interval=80 window=40 type=passive
StartScan duration=10s
StopScan
Connect peer=C0:98:E5:49:00:02 (public)`)
	s.Equal(bleapp.StateConnecting, s.App.Status().State)

	// a second report while the connection is in flight is ignored
	s.inject(func() { s.Stack.InjectAdvertisingReport(report) })
	s.Equal(1, s.Stack.Count(sim.OpConnect), "in-flight connection MUST suppress further attempts")
}

func (s *AppTestSuite) TestReportFiltering() {
	// GOAL: Only connectable reports whose complete name equals the target trigger a connection
	//
	// TEST SCENARIO: inject non-matching reports → no StopScan, no Connect

	s.App.SetTargetName("Y")
	s.StartApp(nil)

	tests := []struct {
		name   string
		report stack.AdvertisingReportEvent
	}{
		{"different name", testutils.NewReportBuilder().WithName("Z").Build()},
		{"name prefix", testutils.NewReportBuilder().WithName("YY").Build()},
		{"name shorter", testutils.NewReportBuilder().WithName("").Build()},
		{"non connectable", testutils.NewReportBuilder().WithName("Y").WithConnectable(false).Build()},
		{"malformed payload", testutils.NewReportBuilder().WithRawPayload([]byte{0x09, 0x09, 'Y'}).Build()},
		{"short name only", testutils.NewReportBuilder().WithRawPayload([]byte{0x02, 0x08, 'Y'}).Build()},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.inject(func() { s.Stack.InjectAdvertisingReport(tt.report) })
			s.Zero(s.Stack.Count(sim.OpStopScan), "report MUST be ignored")
			s.Zero(s.Stack.Count(sim.OpConnect), "report MUST be ignored")
		})
	}
	s.Equal(bleapp.StateScanning, s.App.Status().State)
}

func (s *AppTestSuite) TestConnectFailureRestartsScan() {
	// GOAL: A rejected connection request restarts the scan and does not mark a connection in flight
	//
	// TEST SCENARIO: Connect fails → StartScan again → next matching report is processed again

	s.App.SetTargetName("Y")
	s.StartApp(nil)

	s.Stack.FailNext(sim.OpConnect, stack.CodeStackBusy)
	report := testutils.NewReportBuilder().WithName("Y").WithAddress(peerAddress).Build()
	s.inject(func() { s.Stack.InjectAdvertisingReport(report) })

	s.Equal([]string{
		sim.OpInit, sim.OpSetScanParameters, sim.OpStartScan,
		sim.OpStopScan, sim.OpConnect, sim.OpStartScan,
	}, s.Stack.Ops())
	s.Equal(bleapp.StateScanning, s.App.Status().State)

	s.inject(func() { s.Stack.InjectAdvertisingReport(report) })
	s.Equal(2, s.Stack.Count(sim.OpConnect), "later matching report MUST be processed again")
	s.Equal(bleapp.StateConnecting, s.App.Status().State)
}

func (s *AppTestSuite) TestFailedConnectionCompleteResumesScanning() {
	s.App.SetTargetName("Y")
	s.StartApp(nil)

	report := testutils.NewReportBuilder().WithName("Y").WithAddress(peerAddress).Build()
	s.inject(func() { s.Stack.InjectAdvertisingReport(report) })
	s.inject(func() {
		s.Stack.InjectConnectionComplete(stack.ConnectionCompleteEvent{
			Err:  stack.NewError("Connect", stack.CodeUnspecified),
			Peer: report.Peer,
		})
	})

	s.Equal(2, s.Stack.Count(sim.OpStartScan), "failed connection MUST resume scanning")
	s.Equal(bleapp.StateScanning, s.App.Status().State)
}

func (s *AppTestSuite) TestBothNamesFirstConnectionWins() {
	// GOAL: With both names set, both activities run and the first connection stops the other
	//
	// TEST SCENARIO: advertise "X" and scan for "Y" → connect via scan → advertising stopped, connect callback once

	s.Rebuild([]sim.Option{sim.WithAutoConnect(true)})

	var connects []stack.ConnectionCompleteEvent
	s.App.OnConnect(func(_ *bleapp.App, e stack.ConnectionCompleteEvent) {
		connects = append(connects, e)
	})
	s.App.SetAdvertisingName("X")
	s.App.SetTargetName("Y")
	s.StartApp(nil)

	s.True(s.Stack.IsAdvertisingActive(), "advertising MUST run")
	s.True(s.Stack.IsScanning(), "scanning MUST run alongside advertising")

	s.inject(func() {
		s.Stack.InjectAdvertisingReport(testutils.NewReportBuilder().WithName("Y").WithAddress(peerAddress).Build())
	})

	s.Require().Len(connects, 1, "connect callback MUST fire exactly once")
	s.Equal(stack.RoleCentral, connects[0].Role)
	s.Equal(1, s.Stack.Count(sim.OpStopAdvertising), "advertising MUST be stopped once connected")
	s.False(s.Stack.IsAdvertisingActive())
	s.Equal(bleapp.StateConnected, s.App.Status().State)

	// a second link completing afterwards is ignored
	s.inject(func() {
		addr, _ := stack.ParseAddress(otherAddress)
		s.Stack.InjectConnectionComplete(stack.ConnectionCompleteEvent{Role: stack.RolePeripheral, Peer: stack.PeerAddress{Address: addr}})
	})
	s.Len(connects, 1, "second connection MUST NOT fire the callback")
	s.Equal(stack.ConnectionHandle(1), s.App.Status().Handle)
}

func (s *AppTestSuite) TestPeripheralConnectionStopsScanning() {
	s.App.SetAdvertisingName("X")
	s.App.SetTargetName("Y")
	s.StartApp(nil)

	s.inject(func() {
		s.Stack.InjectConnectionComplete(stack.ConnectionCompleteEvent{Role: stack.RolePeripheral})
	})

	s.Equal(1, s.Stack.Count(sim.OpStopScan), "scan MUST stop once a peer connected to us")
	s.Zero(s.Stack.Count(sim.OpStopAdvertising), "stack already stopped advertising")
	s.Equal(bleapp.StateConnected, s.App.Status().State)
}

func (s *AppTestSuite) TestReportWhileConnectedIsIgnored() {
	// GOAL: Once a link is up, matching reports no longer trigger connections
	//
	// TEST SCENARIO: peer connects to us → matching report from the target → no StopScan, no Connect

	s.App.SetAdvertisingName("X")
	s.App.SetTargetName("Y")
	s.StartApp(nil)

	s.inject(func() {
		s.Stack.InjectConnectionComplete(stack.ConnectionCompleteEvent{Role: stack.RolePeripheral})
	})
	s.Stack.ClearCalls()

	s.inject(func() {
		s.Stack.InjectAdvertisingReport(testutils.NewReportBuilder().WithName("Y").WithAddress(peerAddress).Build())
	})

	s.Empty(s.Stack.Calls(), "report while connected MUST NOT issue stack commands")
	s.Equal(bleapp.StateConnected, s.App.Status().State)
}

func (s *AppTestSuite) TestDisconnectionWhileConnectingIsIgnored() {
	// GOAL: A disconnection arriving before the link is up does not disturb the pending connection
	//
	// TEST SCENARIO: report → connecting → disconnection → no callback, still connecting, no new scan

	var disconnects int
	s.App.OnDisconnect(func(*bleapp.App, stack.DisconnectionCompleteEvent) { disconnects++ })
	s.App.SetTargetName("Y")
	s.StartApp(nil)

	s.inject(func() {
		s.Stack.InjectAdvertisingReport(testutils.NewReportBuilder().WithName("Y").WithAddress(peerAddress).Build())
	})
	s.Require().Equal(bleapp.StateConnecting, s.App.Status().State)

	s.inject(func() { s.Stack.InjectDisconnection(1, 0x08) })

	s.Zero(disconnects, "disconnection MUST NOT fire the callback while connecting")
	s.Equal(bleapp.StateConnecting, s.App.Status().State)
	s.Equal(1, s.Stack.Count(sim.OpStartScan), "scan MUST NOT restart")
}

func (s *AppTestSuite) TestDisconnectionResumesActivity() {
	// GOAL: A disconnection fires the callback and resumes advertising
	//
	// TEST SCENARIO: connect as peripheral → disconnect → callback → StartAdvertising again

	var disconnects int
	s.App.OnDisconnect(func(_ *bleapp.App, e stack.DisconnectionCompleteEvent) {
		disconnects++
		s.Equal(uint8(0x13), e.Reason)
	})
	s.App.SetAdvertisingName("X")
	s.StartApp(nil)

	var handle stack.ConnectionHandle
	s.inject(func() {
		handle = s.Stack.InjectConnectionComplete(stack.ConnectionCompleteEvent{Role: stack.RolePeripheral})
	})
	s.Equal(bleapp.StateConnected, s.App.Status().State)

	s.inject(func() { s.Stack.InjectDisconnection(handle+7, 0x13) })
	s.Zero(disconnects, "unknown link MUST be ignored")

	s.inject(func() { s.Stack.InjectDisconnection(handle, 0x13) })
	s.Equal(1, disconnects)
	s.Equal(2, s.Stack.Count(sim.OpStartAdvertising), "advertising MUST resume after disconnection")
	s.Equal(bleapp.StateAdvertising, s.App.Status().State)

	s.inject(func() { s.Stack.InjectDisconnection(handle, 0x13) })
	s.Equal(1, disconnects, "disconnection while not connected MUST be ignored")
}

func (s *AppTestSuite) TestTimeoutsRestartActivities() {
	s.App.SetAdvertisingName("X")
	s.App.SetTargetName("Y")
	s.StartApp(nil)

	s.inject(s.Stack.InjectScanTimeout)
	s.Equal(2, s.Stack.Count(sim.OpStartScan), "scan MUST restart after timing out")

	s.inject(s.Stack.InjectAdvertisingEnd)
	s.Equal(2, s.Stack.Count(sim.OpStartAdvertising), "advertising MUST restart after its window ends")
}

func (s *AppTestSuite) TestReconcileIsIdempotent() {
	s.App.SetAdvertisingName("X")
	s.App.SetTargetName("Y")
	s.StartApp(nil)
	s.Stack.ClearCalls()

	s.App.SetTargetName("Y")
	s.App.SetAdvertisingName("X")
	s.Settle()

	s.Empty(s.Stack.Calls(), "unchanged configuration MUST NOT issue stack commands")
}

func (s *AppTestSuite) TestClearingNamesStopsActivities() {
	s.App.SetAdvertisingName("X")
	s.App.SetTargetName("Y")
	s.StartApp(nil)
	s.Stack.ClearCalls()

	s.App.SetAdvertisingName("")
	s.App.SetTargetName("")
	s.Settle()

	s.Equal([]string{sim.OpStopAdvertising, sim.OpStopScan}, s.Stack.Ops())
	s.Equal(bleapp.StateIdle, s.App.Status().State)
}

func (s *AppTestSuite) TestServiceIDMutualExclusion() {
	// GOAL: Short and long service identifiers are mutually exclusive
	//
	// TEST SCENARIO: set short → set long fails → short remains and is advertised

	s.True(s.App.SetServiceIDShort(0x180D))
	s.False(s.App.SetServiceIDLong("00001523-1212-efde-1523-785feabcd123"), "long id MUST be rejected while short is set")
	s.App.SetAdvertisingName("X")
	s.StartApp(nil)

	id, ok := s.App.ServiceID().Short()
	s.True(ok)
	s.Equal(uint16(0x180D), id)

	f, err := advdata.Decode(s.Stack.Payload())
	s.Require().NoError(err)
	s.Equal([]uint16{0x180D}, f.Services16)
	s.Empty(f.Services128)

	s.True(s.App.ClearServiceID())
	s.True(s.App.SetServiceIDLong("00001523-1212-efde-1523-785feabcd123"))
	s.False(s.App.SetServiceIDShort(1), "short id MUST be rejected while long is set")
	s.False(s.App.SetServiceIDLong("not-a-uuid"))
	s.Settle()
	s.Equal(bleapp.ServiceIDLong, s.App.ServiceID().Kind())
}

func (s *AppTestSuite) TestServiceIDChangeQueuedBeforeStopIsDiscarded() {
	// GOAL: A service id accepted while a stop is pending never ends up committed behind the reset
	//
	// TEST SCENARIO: queue blocked → Stop → set short → release → nothing committed → long accepted, short rejected

	s.App.SetAdvertisingName("X")
	s.StartApp(nil)

	release := make(chan struct{})
	s.App.Queue().Call(func() { <-release })
	s.App.Stop()
	s.True(s.App.SetServiceIDShort(0x180D))
	close(release)
	s.NoError(s.StopApp())

	s.Equal(bleapp.ServiceIDNone, s.App.ServiceID().Kind(), "change queued before the reset MUST be discarded")
	s.True(s.App.SetServiceIDLong("00001523-1212-efde-1523-785feabcd123"), "long id MUST be accepted after the reset")
	s.False(s.App.SetServiceIDShort(0x180D), "short id MUST be rejected while long is set")

	s.StartApp(nil)
	s.Equal(bleapp.ServiceIDLong, s.App.ServiceID().Kind(), "committed id MUST match the accepted one")
}

func (s *AppTestSuite) TestPayloadTooLarge() {
	s.App.SetAdvertisingName(strings.Repeat("n", 46))
	s.StartApp(nil)

	s.Zero(s.Stack.Count(sim.OpSetAdvertisingPayload), "oversized payload MUST NOT reach the stack")
	s.Zero(s.Stack.Count(sim.OpStartAdvertising), "advertising MUST NOT start")
	s.Equal(bleapp.StateIdle, s.App.Status().State)
}

func (s *AppTestSuite) TestAdvertisingDuration() {
	s.App.SetAdvertisingDuration(0)
	s.False(s.App.SetAdvertisingDuration(-time.Second))
	s.App.SetAdvertisingName("X")
	s.StartApp(nil)

	calls := s.Stack.Calls()
	s.Equal("StartAdvertising duration=0s", calls[len(calls)-1].String(), "zero duration MUST advertise unbounded")
}

func (s *AppTestSuite) TestPostInitRunsOnQueue() {
	var ran bool
	s.StartApp(func(a *bleapp.App) {
		ran = true
		a.SetAdvertisingName("late")
	})
	s.True(ran)
	s.Equal(1, s.Stack.Count(sim.OpStartAdvertising))
}

func (s *AppTestSuite) TestStartWhileInitializedFails() {
	s.Require().NoError(s.Stack.Init(nil))
	err := s.App.Start(nil)
	s.ErrorIs(err, stack.ErrAlreadyInitialized, "start MUST fail fast on an initialized stack")
	s.False(s.App.Running())
}

func (s *AppTestSuite) TestInitFailureEndsStart() {
	s.Rebuild([]sim.Option{sim.WithInitError(stack.CodeInternalStackFailure)})

	errc := make(chan error, 1)
	go func() { errc <- s.App.Start(nil) }()

	select {
	case err := <-errc:
		s.ErrorIs(err, stack.ErrInternalStackFailure)
	case <-time.After(s.TestTimeout):
		s.FailNow("Start MUST return when initialization fails")
	}
}

func (s *AppTestSuite) TestStopIsIdempotent() {
	s.App.Stop() // before start: no effect

	s.App.SetAdvertisingName("X")
	s.StartApp(nil)

	s.App.Stop()
	s.App.Stop()
	s.NoError(s.StopApp())

	s.Equal(1, s.Stack.Count(sim.OpShutdown), "stack MUST shut down exactly once")
	s.False(s.Stack.IsInitialized())
	s.Equal("", s.App.AdvertisingName(), "configuration MUST reset on stop")
	s.Equal(bleapp.DefaultAdvertisingDuration, s.App.AdvertisingDuration())
	s.Equal(bleapp.StateIdle, s.App.Status().State)
}

func (s *AppTestSuite) TestRestartAfterStop() {
	s.App.SetAdvertisingName("X")
	s.StartApp(nil)
	s.NoError(s.StopApp())
	s.Stack.ClearCalls()

	s.App.SetTargetName("Y")
	s.StartApp(nil)

	s.Equal([]string{sim.OpInit, sim.OpSetScanParameters, sim.OpStartScan}, s.Stack.Ops(),
		"restarted application MUST start from the default configuration")
}

type orderListener struct {
	stack.NopGapEventHandler
	stack.NopGattServerEventHandler
	name  string
	trace *[]string
}

func (l *orderListener) OnConnectionComplete(stack.ConnectionCompleteEvent) {
	*l.trace = append(*l.trace, l.name+":connected")
}

func (l *orderListener) OnDataWritten(e stack.WriteEvent) {
	*l.trace = append(*l.trace, l.name+":write")
}

func (s *AppTestSuite) TestListenersAndCallbackOrdering() {
	// GOAL: The connect callback fires before GATT callbacks are wired, so listeners it adds come first
	//
	// TEST SCENARIO: user GAP listener + connect callback registering a GATT listener → write → listener before OnServerWrite

	var trace []string
	gapListener := &orderListener{name: "gap", trace: &trace}
	s.True(s.App.AddGapEventHandler(gapListener))
	s.False(s.App.AddGapEventHandler(gapListener), "duplicate listener MUST be rejected")

	gattListener := &orderListener{name: "gatt", trace: &trace}
	s.App.OnConnect(func(a *bleapp.App, _ stack.ConnectionCompleteEvent) {
		trace = append(trace, "callback:connected")
		a.AddGattServerEventHandler(gattListener)
	})
	s.App.OnServerWrite(func(e stack.WriteEvent) {
		trace = append(trace, "callback:write")
	})
	s.App.SetAdvertisingName("X")
	s.StartApp(nil)

	s.inject(func() {
		s.Stack.InjectConnectionComplete(stack.ConnectionCompleteEvent{Role: stack.RolePeripheral})
	})
	s.inject(func() { s.Stack.InjectWrite(stack.WriteEvent{Conn: 1, Handle: 3, Data: []byte{1}}) })

	s.Equal([]string{
		"callback:connected", // state machine is the first GAP listener
		"gap:connected",
		"gatt:write",
		"callback:write",
	}, trace)
}

func (s *AppTestSuite) TestGattCallbacks() {
	var got []string
	s.App.OnUpdatesEnabled(func(e stack.UpdatesEnabledEvent) { got = append(got, "enabled") })
	s.App.OnUpdatesDisabled(func(e stack.UpdatesDisabledEvent) { got = append(got, "disabled") })
	s.App.OnServerRead(func(e stack.ReadEvent) { got = append(got, "read") })
	s.App.OnAttMtuChange(func(e stack.MTUChangeEvent) {
		got = append(got, "mtu")
		s.Equal(uint16(247), e.MTU)
	})
	s.App.SetAdvertisingName("X")
	s.StartApp(nil)

	// GATT callbacks are wired on the first connection
	s.inject(func() { s.Stack.InjectMTUChange(1, 23) })
	s.Empty(got)

	s.inject(func() {
		s.Stack.InjectConnectionComplete(stack.ConnectionCompleteEvent{Role: stack.RolePeripheral})
	})
	s.inject(func() {
		s.Stack.InjectUpdatesEnabled(1, 3)
		s.Stack.InjectRead(1, 3)
		s.Stack.InjectUpdatesDisabled(1, 3)
		s.Stack.InjectMTUChange(1, 247)
	})
	s.Equal([]string{"enabled", "read", "disabled", "mtu"}, got)
}

func (s *AppTestSuite) TestServicePassthrough() {
	s.StartApp(nil)

	var added stack.Service
	svc := stack.Service{
		UUID: "00001523-1212-efde-1523-785feabcd123",
		Characteristics: []*stack.Characteristic{
			{UUID: "00001524-1212-efde-1523-785feabcd123", Properties: stack.PropRead | stack.PropNotify, Value: []byte{0}},
		},
	}
	s.True(s.App.AddService(svc, func(out stack.Service, err error) {
		s.NoError(err)
		added = out
	}))
	s.Settle()
	s.Require().Len(added.Characteristics, 1)
	h := added.Characteristics[0].Handle
	s.NotZero(h, "value handle MUST be assigned")
	s.Zero(svc.Characteristics[0].Handle, "caller's service MUST NOT be mutated")

	value := []byte{1}
	s.True(s.App.UpdateCharacteristicValue(h, value))
	value[0] = 9
	s.Settle()

	v, _ := s.Stack.Value(h)
	s.Equal([]byte{1}, v, "queued update MUST own its value")
}

func TestAppTestSuite(t *testing.T) {
	suite.Run(t, new(AppTestSuite))
}
