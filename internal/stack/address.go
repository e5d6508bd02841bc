package stack

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AddressType is the kind of a BLE device address.
type AddressType uint8

const (
	AddressPublic AddressType = iota
	AddressRandomStatic
	AddressRandomPrivateResolvable
	AddressRandomPrivateNonResolvable
)

func (t AddressType) String() string {
	switch t {
	case AddressPublic:
		return "public"
	case AddressRandomStatic:
		return "random-static"
	case AddressRandomPrivateResolvable:
		return "random-resolvable"
	case AddressRandomPrivateNonResolvable:
		return "random-non-resolvable"
	default:
		return fmt.Sprintf("address-type(%d)", uint8(t))
	}
}

// MarshalText renders the type by name.
func (t AddressType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a type rendered by MarshalText.
func (t *AddressType) UnmarshalText(text []byte) error {
	for c := AddressPublic; c <= AddressRandomPrivateNonResolvable; c++ {
		if c.String() == string(text) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown address type %q", text)
}

// Address is a 48-bit device address, most significant byte first.
type Address [6]byte

// String formats the address as AA:BB:CC:DD:EE:FF.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress parses an address in AA:BB:CC:DD:EE:FF or AA-BB-CC-DD-EE-FF form.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", ":")
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("invalid address %q: expected 6 octets", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return a, fmt.Errorf("invalid address %q: octet %d", s, i)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("invalid address %q: %w", s, err)
		}
		a[i] = byte(b)
	}
	return a, nil
}

// PeerAddress is an address together with its type.
type PeerAddress struct {
	Type    AddressType `json:"type"`
	Address Address     `json:"address"`
}

// ParsePlatformAddress parses an address as a native BLE library reports
// it. Platforms that hide the radio address hand out a UUID instead; its
// first six bytes stand in for the address. ok is false if neither form
// parses.
func ParsePlatformAddress(s string) (Address, bool) {
	if addr, err := ParseAddress(s); err == nil {
		return addr, true
	}
	if id, err := uuid.Parse(s); err == nil {
		var addr Address
		copy(addr[:], id[:6])
		return addr, true
	}
	return Address{}, false
}

func (p PeerAddress) String() string {
	return fmt.Sprintf("%s (%s)", p.Address, p.Type)
}

// MarshalText renders the address for JSON and YAML encoders.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the address from JSON and YAML decoders.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
