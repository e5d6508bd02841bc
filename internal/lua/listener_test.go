package lua

import (
	"testing"

	"github.com/srg/bleapp/internal/stack"
	"github.com/srg/bleapp/internal/stack/sim"
	"github.com/srg/bleapp/internal/testutils"
	"github.com/srg/bleapp/pkg/bleapp"
	"github.com/stretchr/testify/suite"
)

const hookScript = `
events = ""
function record(ev) events = events .. ev.kind .. ";" end

function on_connect(ev)
  record(ev)
  peer = ev.peer
  role = ev.role
end
function on_write(ev)
  record(ev)
  written = ev.data
end
function on_mtu_change(ev)
  record(ev)
  state_at_mtu = ble.state()
end
function on_disconnect(ev)
  record(ev)
  ble.set_target_name("Y")
end
function on_advertising_report(ev) record(ev) end
`

type ListenerTestSuite struct {
	testutils.SimStackSuite

	engine *Engine
}

func (s *ListenerTestSuite) SetupTest() {
	s.SimStackSuite.SetupTest()
	s.engine = NewEngine(s.App, s.Logger)
	s.Require().NoError(s.engine.Load(hookScript, "hooks.lua"))

	l := NewListener(s.engine)
	s.App.AddGapEventHandler(l)
	s.App.AddGattServerEventHandler(l)
}

func (s *ListenerTestSuite) TearDownTest() {
	s.SimStackSuite.TearDownTest()
	s.engine.Close()
}

func (s *ListenerTestSuite) TestHooksFollowThePeripheralLifecycle() {
	// GOAL: Script hooks see every event of a peripheral session and can drive the application
	//
	// TEST SCENARIO: advertise → central connects → write → MTU → disconnect → hook sets target → scan starts

	s.StartApp(func(a *bleapp.App) { a.SetAdvertisingName("X") })
	s.Equal(1, s.Stack.Count(sim.OpStartAdvertising))

	peer := stack.PeerAddress{Type: stack.AddressRandomStatic, Address: stack.Address{0xC0, 0x98, 0xE5, 0x49, 0x00, 0x02}}
	h := s.Stack.InjectConnectionComplete(stack.ConnectionCompleteEvent{Role: stack.RolePeripheral, Peer: peer})
	s.Stack.InjectWrite(stack.WriteEvent{Conn: h, Handle: 0x10, Data: []byte{0xca, 0xfe}})
	s.Stack.InjectMTUChange(h, 185)
	s.Settle()
	s.Stack.InjectDisconnection(h, 0x13)
	s.Settle()

	s.Equal("connection_complete;write;mtu_change;disconnection_complete;", s.engine.GetGlobal("events"))
	s.Equal("C0:98:E5:49:00:02", s.engine.GetGlobal("peer"))
	s.Equal("peripheral", s.engine.GetGlobal("role"))
	s.Equal("cafe", s.engine.GetGlobal("written"))
	s.Equal("connected", s.engine.GetGlobal("state_at_mtu"))

	s.Equal("Y", s.App.TargetName(), "hook MUST be able to change the configuration")
	s.Equal(1, s.Stack.Count(sim.OpStartScan), "new target MUST start a scan")
}

func (s *ListenerTestSuite) TestReportHookSeesDecodedName() {
	s.Require().NoError(s.engine.Load(`
function on_advertising_report(ev) last_name = ev.name; last_rssi = ev.rssi end
`, "reports.lua"))

	s.StartApp(func(a *bleapp.App) { a.SetTargetName("nobody") })
	s.Stack.InjectAdvertisingReport(testutils.NewReportBuilder().WithName("Z").WithRSSI(-61).Build())
	s.Settle()

	s.Equal("Z", s.engine.GetGlobal("last_name"))
	s.Equal(float64(-61), s.engine.GetGlobal("last_rssi"))
}

func (s *ListenerTestSuite) TestFailingHookIsLogged() {
	logs := s.Helper.CaptureLogs()
	s.Require().NoError(s.engine.Load(`function on_scan_timeout(ev) error("nope") end`, "failing.lua"))

	s.StartApp(func(a *bleapp.App) { a.SetTargetName("nobody") })
	s.Stack.InjectScanTimeout()
	s.Settle()

	s.Contains(logs.String(), "Lua hook failed")
	s.Contains(logs.String(), "hook=on_scan_timeout")
	s.True(s.App.Running(), "a failing hook MUST NOT stop the application")
}

func TestListenerTestSuite(t *testing.T) {
	suite.Run(t, new(ListenerTestSuite))
}
