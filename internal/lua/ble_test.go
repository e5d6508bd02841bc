package lua

import (
	"testing"

	"github.com/srg/bleapp/internal/stack"
	"github.com/srg/bleapp/internal/testutils"
	"github.com/srg/bleapp/pkg/bleapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type BLEAPITestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	ctrl   *mockController
	engine *Engine
}

func (s *BLEAPITestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.ctrl = &mockController{}
	s.engine = NewEngine(s.ctrl, s.helper.Logger)
}

func (s *BLEAPITestSuite) TearDownTest() {
	s.engine.Close()
	s.ctrl.AssertExpectations(s.T())
}

func (s *BLEAPITestSuite) run(script string) {
	s.Require().NoError(s.engine.Load(script, "test.lua"))
}

func (s *BLEAPITestSuite) TestNames() {
	s.ctrl.On("SetAdvertisingName", "X").Return(true).Once()
	s.ctrl.On("SetTargetName", "Y").Return(true).Once()
	s.ctrl.On("SetTargetName", "").Return(true).Once()

	s.run(`
adv = ble.set_advertising_name("X")
target = ble.set_target_name("Y")
cleared = ble.set_target_name(nil)
bad = ble.set_advertising_name({})
`)

	s.Equal(true, s.engine.GetGlobal("adv"))
	s.Equal(true, s.engine.GetGlobal("target"))
	s.Equal(true, s.engine.GetGlobal("cleared"), "nil MUST clear the name")
	s.Equal(false, s.engine.GetGlobal("bad"), "non-string names MUST be rejected")
}

func (s *BLEAPITestSuite) TestSetServiceID() {
	tests := []struct {
		name   string
		script string
		setup  func(m *mockController)
		result bool
	}{
		{
			name:   "number is a 16-bit id",
			script: `ok = ble.set_service_id(0x180d)`,
			setup:  func(m *mockController) { m.On("SetServiceIDShort", uint16(0x180d)).Return(true) },
			result: true,
		},
		{
			name:   "hex string is a 16-bit id",
			script: `ok = ble.set_service_id("0x180D")`,
			setup:  func(m *mockController) { m.On("SetServiceIDShort", uint16(0x180d)).Return(true) },
			result: true,
		},
		{
			name:   "bare hex string is a 16-bit id",
			script: `ok = ble.set_service_id("fff0")`,
			setup:  func(m *mockController) { m.On("SetServiceIDShort", uint16(0xfff0)).Return(true) },
			result: true,
		},
		{
			name:   "uuid is a 128-bit id",
			script: `ok = ble.set_service_id("6e400001-b5a3-f393-e0a9-e50e24dcca9e")`,
			setup: func(m *mockController) {
				m.On("SetServiceIDLong", "6e400001-b5a3-f393-e0a9-e50e24dcca9e").Return(true)
			},
			result: true,
		},
		{
			name:   "rejected by the application",
			script: `ok = ble.set_service_id("6e400001-b5a3-f393-e0a9-e50e24dcca9e")`,
			setup:  func(m *mockController) { m.On("SetServiceIDLong", mock.Anything).Return(false) },
			result: false,
		},
		{
			name:   "empty string clears",
			script: `ok = ble.set_service_id("")`,
			setup:  func(m *mockController) { m.On("ClearServiceID").Return(true) },
			result: true,
		},
		{
			name:   "no argument clears",
			script: `ok = ble.set_service_id()`,
			setup:  func(m *mockController) { m.On("ClearServiceID").Return(true) },
			result: true,
		},
		{
			name:   "out of range number",
			script: `ok = ble.set_service_id(0x10000)`,
			setup:  func(*mockController) {},
			result: false,
		},
		{
			name:   "table",
			script: `ok = ble.set_service_id({})`,
			setup:  func(*mockController) {},
			result: false,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			ctrl := &mockController{}
			tt.setup(ctrl)
			engine := NewEngine(ctrl, s.helper.Logger)
			defer engine.Close()

			s.Require().NoError(engine.Load(tt.script, "service.lua"))
			s.Equal(tt.result, engine.GetGlobal("ok"))
			ctrl.AssertExpectations(s.T())
		})
	}
}

func (s *BLEAPITestSuite) TestStateAndStatus() {
	peer := stack.PeerAddress{Address: stack.Address{0xC0, 0x98, 0xE5, 0x49, 0x00, 0x02}}
	s.ctrl.On("Status").Return(bleapp.Status{
		State:  bleapp.StateConnected,
		Handle: 5,
		Peer:   &peer,
		Config: bleapp.ConfigView{AdvertisingName: "X", ServiceIDKind: "none"},
	})

	s.run(`
state = ble.state()
local st = ble.status()
summary = st.state .. " " .. st.handle .. " " .. st.peer .. " " .. st.config.advertising_name .. " " .. tostring(st.advertising)
`)

	s.Equal("connected", s.engine.GetGlobal("state"))
	s.Equal("connected 5 C0:98:E5:49:00:02 X false", s.engine.GetGlobal("summary"))
}

func (s *BLEAPITestSuite) TestLog() {
	logs := s.helper.CaptureLogs()

	s.run(`
ble.log("warn", "from script")
ble.log("nonsense", "still logged")
`)

	out := logs.String()
	s.Contains(out, "level=warning msg=\"from script\" source=lua")
	s.Contains(out, "level=info msg=\"still logged\" level_name=nonsense source=lua")
}

func (s *BLEAPITestSuite) TestPanickingControllerIsContained() {
	s.ctrl.On("SetAdvertisingName", "X").Panic("radio gone")

	s.run(`ok = ble.set_advertising_name("X")`)

	s.Nil(s.engine.GetGlobal("ok"), "a panicking API function MUST return nothing")
	rec, ok := s.engine.Output().TryReceive()
	s.Require().True(ok)
	s.Equal("stderr", rec.Source)
	s.Contains(rec.Content, "ble.set_advertising_name: internal error: radio gone")
}

func TestBLEAPITestSuite(t *testing.T) {
	suite.Run(t, new(BLEAPITestSuite))
}

func TestParseShortID(t *testing.T) {
	tests := []struct {
		in string
		id uint16
		ok bool
	}{
		{"0x180d", 0x180d, true},
		{"180D", 0x180d, true},
		{"1", 1, true},
		{"0x0000", 0, false},
		{"12345", 0, false},
		{"zz", 0, false},
		{"6e400001-b5a3-f393-e0a9-e50e24dcca9e", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, ok := parseShortID(tt.in)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}
