package bleapp

import (
	"fmt"

	"github.com/srg/bleapp/internal/stack"
)

// ConnectionState summarizes what the application is doing.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateAdvertising
	StateScanning
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateAdvertising:
		return "advertising"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name as produced by MarshalText.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateConnected; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// Status is a point-in-time view of the application. Advertising and
// Scanning may both be true; State then reports scanning.
type Status struct {
	State       ConnectionState        `json:"state"`
	Advertising bool                   `json:"advertising"`
	Scanning    bool                   `json:"scanning"`
	Handle      stack.ConnectionHandle `json:"handle,omitempty"`
	Peer        *stack.PeerAddress     `json:"peer,omitempty"`
	Config      ConfigView             `json:"config"`
}

func deriveState(connected, connecting, scanning, advertising bool) ConnectionState {
	switch {
	case connected:
		return StateConnected
	case connecting:
		return StateConnecting
	case scanning:
		return StateScanning
	case advertising:
		return StateAdvertising
	default:
		return StateIdle
	}
}
