// Package advdata builds and parses legacy advertising payloads: a sequence
// of [length, type, data...] elements.
package advdata

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MaxAdvertisingPayloadSize is the largest payload the application builds.
const MaxAdvertisingPayloadSize = 50

// MaxElementLength is the largest length byte an element can carry.
const MaxElementLength = 255

// Type is an advertising data type, as assigned by the Bluetooth SIG.
type Type byte

const (
	TypeFlags             Type = 0x01
	TypeIncompleteUUID16  Type = 0x02
	TypeCompleteUUID16    Type = 0x03
	TypeIncompleteUUID32  Type = 0x04
	TypeCompleteUUID32    Type = 0x05
	TypeIncompleteUUID128 Type = 0x06
	TypeCompleteUUID128   Type = 0x07
	TypeShortLocalName    Type = 0x08
	TypeCompleteLocalName Type = 0x09
	TypeTxPower           Type = 0x0A
	TypeServiceData16     Type = 0x16
	TypeManufacturerData  Type = 0xFF
)

// Flag bits of the TypeFlags element.
const (
	FlagLELimitedDiscoverable byte = 0x01
	FlagLEGeneralDiscoverable byte = 0x02
	FlagBREDRNotSupported     byte = 0x04
)

var (
	// ErrNotFit is returned when an element does not fit into the payload.
	ErrNotFit = errors.New("advertising data doesn't fit")
	// ErrInvalid is returned for element values that cannot be encoded.
	ErrInvalid = errors.New("invalid advertising data")
)

// Payload is an advertising payload under construction.
type Payload struct {
	b   []byte
	max int
}

// Field is an element that can be appended to a payload.
type Field func(p *Payload) error

// NewPayload returns an empty payload bounded by limit bytes.
func NewPayload(limit int) *Payload {
	if limit <= 0 {
		limit = MaxAdvertisingPayloadSize
	}
	return &Payload{b: make([]byte, 0, limit), max: limit}
}

// Build creates a payload bounded by limit bytes from fields.
func Build(limit int, fields ...Field) ([]byte, error) {
	p := NewPayload(limit)
	if err := p.Append(fields...); err != nil {
		return nil, err
	}
	return p.Bytes(), nil
}

// Bytes returns the encoded payload.
func (p *Payload) Bytes() []byte {
	return p.b
}

// Len returns the encoded length.
func (p *Payload) Len() int {
	return len(p.b)
}

// Clear empties the payload.
func (p *Payload) Clear() {
	p.b = p.b[:0]
}

// Append appends fields in order. On error, the payload is left as it was
// before the call.
func (p *Payload) Append(fields ...Field) error {
	mark := len(p.b)
	for _, f := range fields {
		if err := f(p); err != nil {
			p.b = p.b[:mark]
			return err
		}
	}
	return nil
}

func (p *Payload) append(typ Type, data []byte) error {
	if len(data)+1 > MaxElementLength {
		return ErrInvalid
	}
	if p.Len()+2+len(data) > p.max {
		return ErrNotFit
	}
	p.b = append(p.b, byte(len(data)+1), byte(typ))
	p.b = append(p.b, data...)
	return nil
}

// Flags is the flags element.
func Flags(f byte) Field {
	return func(p *Payload) error {
		return p.append(TypeFlags, []byte{f})
	}
}

// CompleteName is the complete local name.
func CompleteName(n string) Field {
	return func(p *Payload) error {
		return p.append(TypeCompleteLocalName, []byte(n))
	}
}

// ShortName is a shortened local name.
func ShortName(n string) Field {
	return func(p *Payload) error {
		return p.append(TypeShortLocalName, []byte(n))
	}
}

// ServiceUUID16 is a complete list holding one 16-bit service UUID.
func ServiceUUID16(u uint16) Field {
	return func(p *Payload) error {
		return p.append(TypeCompleteUUID16, []byte{byte(u), byte(u >> 8)})
	}
}

// ServiceUUID128 is a complete list holding one 128-bit service UUID.
// The UUID is encoded little-endian.
func ServiceUUID128(u uuid.UUID) Field {
	return func(p *Payload) error {
		return p.append(TypeCompleteUUID128, reverse(u[:]))
	}
}

// ManufacturerData is manufacturer specific data.
func ManufacturerData(id uint16, b []byte) Field {
	return func(p *Payload) error {
		d := append([]byte{byte(id), byte(id >> 8)}, b...)
		return p.append(TypeManufacturerData, d)
	}
}

// Raw appends already encoded elements.
func Raw(b []byte) Field {
	return func(p *Payload) error {
		if p.Len()+len(b) > p.max {
			return ErrNotFit
		}
		p.b = append(p.b, b...)
		return nil
	}
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
