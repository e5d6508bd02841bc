// Package scenario describes scripted runs of the application against the
// simulated stack. A scenario is a YAML document with settings, virtual
// peers and a timeline of steps; see Runner.
package scenario

import (
	"fmt"
	"os"
	"time"

	"github.com/srg/bleapp/internal/stack"
	"github.com/srg/bleapp/internal/stack/sim"
	"gopkg.in/yaml.v3"
)

// Step actions.
const (
	ActionSetAdvertisingName  = "set_advertising_name"
	ActionSetTargetName       = "set_target_name"
	ActionSetServiceIDShort   = "set_service_id_short"
	ActionSetServiceIDLong    = "set_service_id_long"
	ActionClearServiceID      = "clear_service_id"
	ActionSetAdvDuration      = "set_advertising_duration"
	ActionInjectReport        = "inject_report"
	ActionInjectConnection    = "inject_connection"
	ActionInjectDisconnection = "inject_disconnection"
	ActionInjectScanTimeout   = "inject_scan_timeout"
	ActionInjectAdvEnd        = "inject_advertising_end"
	ActionInjectWrite         = "inject_write"
	ActionInjectRead          = "inject_read"
	ActionInjectSubscribe     = "inject_updates_enabled"
	ActionInjectUnsubscribe   = "inject_updates_disabled"
	ActionInjectMTU           = "inject_mtu"
	ActionFailNext            = "fail_next"
	ActionWait                = "wait"
	ActionExpectState         = "expect_state"
	ActionExpectCalls         = "expect_calls"
)

var actions = map[string]bool{
	ActionSetAdvertisingName: true, ActionSetTargetName: true, ActionSetServiceIDShort: true,
	ActionSetServiceIDLong: true, ActionClearServiceID: true, ActionSetAdvDuration: true,
	ActionInjectReport: true, ActionInjectConnection: true, ActionInjectDisconnection: true,
	ActionInjectScanTimeout: true, ActionInjectAdvEnd: true, ActionInjectWrite: true,
	ActionInjectRead: true, ActionInjectSubscribe: true, ActionInjectUnsubscribe: true,
	ActionInjectMTU: true, ActionFailNext: true, ActionWait: true, ActionExpectState: true,
	ActionExpectCalls: true,
}

// Scenario is a complete scripted run.
type Scenario struct {
	// Name is shown in reports.
	Name string `yaml:"name"`

	Settings Settings `yaml:"settings"`

	// Peers are virtual devices around the simulated radio.
	Peers []sim.Peer `yaml:"peers,omitempty"`

	Steps []Step `yaml:"steps"`

	// ExpectedTranscript, if set, must equal the stack transcript at the end
	// of the run, ignoring surrounding whitespace.
	ExpectedTranscript string `yaml:"expected_transcript,omitempty"`
}

// Settings configure the application and the simulated stack before the run.
type Settings struct {
	AdvertisingName string `yaml:"advertising_name,omitempty"`
	TargetName      string `yaml:"target_name,omitempty"`
	ServiceIDShort  uint16 `yaml:"service_id_short,omitempty"`
	ServiceIDLong   string `yaml:"service_id_long,omitempty"`

	// Durations default to the application defaults; zero means unbounded.
	AdvertisingDuration *time.Duration `yaml:"advertising_duration,omitempty"`
	ScanDuration        *time.Duration `yaml:"scan_duration,omitempty"`

	AutoConnect bool `yaml:"auto_connect,omitempty"`
	Timers      bool `yaml:"timers,omitempty"`

	// InitError makes stack initialization fail with the named code.
	InitError string `yaml:"init_error,omitempty"`
}

// Step is one point of the timeline. Which fields apply depends on Action.
type Step struct {
	Action string `yaml:"action"`

	// Value is the name, service id or expected state of set_* and
	// expect_state steps.
	Value string `yaml:"value,omitempty"`

	// Rejected expects a setter to refuse the value.
	Rejected bool `yaml:"rejected,omitempty"`

	Peer        stack.Address     `yaml:"peer,omitempty"`
	AddressType stack.AddressType `yaml:"address_type,omitempty"`
	Name        string            `yaml:"name,omitempty"`
	RSSI        int8              `yaml:"rssi,omitempty"`
	Connectable *bool             `yaml:"connectable,omitempty"`
	Service16   uint16            `yaml:"service16,omitempty"`

	Role string `yaml:"role,omitempty"`
	// Handle defaults to the current connection.
	Handle    stack.ConnectionHandle `yaml:"handle,omitempty"`
	Reason    *uint8                 `yaml:"reason,omitempty"`
	Attribute stack.AttributeHandle  `yaml:"attribute,omitempty"`
	Data      string                 `yaml:"data,omitempty"`
	MTU       uint16                 `yaml:"mtu,omitempty"`

	// Op and Code name the command to fail and the error (fail_next), or
	// the stack error of a failed inject_connection.
	Op   string `yaml:"op,omitempty"`
	Code string `yaml:"code,omitempty"`

	Duration time.Duration `yaml:"duration,omitempty"`

	// Count is the expected number of Op calls so far (expect_calls).
	Count *int `yaml:"count,omitempty"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks actions and the fields they require.
func (sc *Scenario) Validate() error {
	if sc.Settings.ServiceIDShort != 0 && sc.Settings.ServiceIDLong != "" {
		return fmt.Errorf("settings: service_id_short and service_id_long are mutually exclusive")
	}
	if sc.Settings.InitError != "" {
		if _, ok := stack.ParseErrorCode(sc.Settings.InitError); !ok {
			return fmt.Errorf("settings: unknown init_error %q", sc.Settings.InitError)
		}
	}
	for i, st := range sc.Steps {
		if err := st.validate(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st.Action, err)
		}
	}
	return nil
}

func (st Step) validate() error {
	if !actions[st.Action] {
		return fmt.Errorf("unknown action")
	}
	switch st.Action {
	case ActionFailNext:
		if st.Op == "" {
			return fmt.Errorf("op is required")
		}
		if _, ok := stack.ParseErrorCode(st.Code); !ok {
			return fmt.Errorf("unknown code %q", st.Code)
		}
	case ActionInjectConnection:
		if st.Code != "" {
			if _, ok := stack.ParseErrorCode(st.Code); !ok {
				return fmt.Errorf("unknown code %q", st.Code)
			}
		}
		if st.Role != "" && st.Role != stack.RoleCentral.String() && st.Role != stack.RolePeripheral.String() {
			return fmt.Errorf("unknown role %q", st.Role)
		}
	case ActionExpectState:
		if st.Value == "" {
			return fmt.Errorf("value is required")
		}
	case ActionExpectCalls:
		if st.Op == "" || st.Count == nil {
			return fmt.Errorf("op and count are required")
		}
	case ActionWait:
		if st.Duration <= 0 {
			return fmt.Errorf("duration must be positive")
		}
	case ActionSetAdvDuration:
		if st.Duration < 0 {
			return fmt.Errorf("duration must not be negative")
		}
	}
	return nil
}
