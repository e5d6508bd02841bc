package advdata

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrMalformed is returned when an element's length runs past the payload.
var ErrMalformed = errors.New("malformed advertising data")

// Element is one decoded advertising data element.
type Element struct {
	Type  Type
	Value []byte
}

// Parser iterates over the elements of a payload.
type Parser struct {
	b   []byte
	pos int
	cur Element
	err error
}

// NewParser returns a parser over payload.
func NewParser(payload []byte) *Parser {
	return &Parser{b: payload}
}

// Next advances to the next element. It returns false at the end of the
// payload or on malformed data; check Err to tell them apart.
func (p *Parser) Next() bool {
	if p.err != nil {
		return false
	}
	for p.pos < len(p.b) {
		l := int(p.b[p.pos])
		if l == 0 {
			// zero length marks the end of significant data
			p.pos = len(p.b)
			return false
		}
		if p.pos+1+l > len(p.b) {
			p.err = errors.Wrapf(ErrMalformed, "element at offset %d claims %d bytes, %d left", p.pos, l, len(p.b)-p.pos-1)
			return false
		}
		p.cur = Element{
			Type:  Type(p.b[p.pos+1]),
			Value: p.b[p.pos+2 : p.pos+1+l],
		}
		p.pos += 1 + l
		return true
	}
	return false
}

// Element returns the current element. Value aliases the payload.
func (p *Parser) Element() Element {
	return p.cur
}

// Err returns the first decoding error.
func (p *Parser) Err() error {
	return p.err
}

// Elements decodes every element of payload.
func Elements(payload []byte) ([]Element, error) {
	var out []Element
	p := NewParser(payload)
	for p.Next() {
		out = append(out, p.Element())
	}
	return out, p.Err()
}

// Find returns the value of the first element of type t.
func Find(payload []byte, t Type) ([]byte, bool) {
	p := NewParser(payload)
	for p.Next() {
		if e := p.Element(); e.Type == t {
			return e.Value, true
		}
	}
	return nil, false
}

// LocalName returns the complete local name of payload.
func LocalName(payload []byte) ([]byte, bool) {
	return Find(payload, TypeCompleteLocalName)
}

// Fields is the decoded view of the elements this application cares about.
type Fields struct {
	Flags            byte
	CompleteName     string
	ShortName        string
	Services16       []uint16
	Services128      []uuid.UUID
	ManufacturerData []byte
}

// Decode collects the known elements of payload into Fields.
func Decode(payload []byte) (Fields, error) {
	var f Fields
	p := NewParser(payload)
	for p.Next() {
		e := p.Element()
		switch e.Type {
		case TypeFlags:
			if len(e.Value) > 0 {
				f.Flags = e.Value[0]
			}
		case TypeCompleteLocalName:
			f.CompleteName = string(e.Value)
		case TypeShortLocalName:
			f.ShortName = string(e.Value)
		case TypeCompleteUUID16, TypeIncompleteUUID16:
			if len(e.Value)%2 != 0 {
				return f, errors.Errorf("16-bit uuid list has odd length %d", len(e.Value))
			}
			for i := 0; i < len(e.Value); i += 2 {
				f.Services16 = append(f.Services16, binary.LittleEndian.Uint16(e.Value[i:]))
			}
		case TypeCompleteUUID128, TypeIncompleteUUID128:
			if len(e.Value)%16 != 0 {
				return f, errors.Errorf("128-bit uuid list has length %d", len(e.Value))
			}
			for i := 0; i < len(e.Value); i += 16 {
				u, err := uuid.FromBytes(reverse(e.Value[i : i+16]))
				if err != nil {
					return f, errors.Wrap(err, "128-bit uuid")
				}
				f.Services128 = append(f.Services128, u)
			}
		case TypeManufacturerData:
			f.ManufacturerData = append([]byte(nil), e.Value...)
		}
	}
	return f, p.Err()
}
