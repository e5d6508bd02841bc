package goble

import (
	"encoding/binary"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/advdata"
	"github.com/srg/bleapp/internal/stack"
)

// advertisement is the part of ble.Advertisement the backend reads.
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []ble.UUID
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

// rawAdvertisement is implemented by platforms that keep the received
// advertising data (Linux HCI).
type rawAdvertisement interface {
	Data() []byte
	ScanResponse() []byte
}

// reportPayload returns the advertising data of adv. Raw data is used when
// the platform keeps it; otherwise the decoded fields are re-encoded.
func reportPayload(adv advertisement, log logrus.FieldLogger) []byte {
	if raw, ok := adv.(rawAdvertisement); ok {
		data, sr := raw.Data(), raw.ScanResponse()
		if len(data)+len(sr) > 0 {
			out := make([]byte, 0, len(data)+len(sr))
			return append(append(out, data...), sr...)
		}
	}
	return encodeReport(adv, log)
}

// encodeReport re-encodes what go-ble decoded from an advertisement into
// raw advertising data. The name goes first; elements that no longer fit
// are dropped and logged.
func encodeReport(adv advertisement, log logrus.FieldLogger) []byte {
	p := advdata.NewPayload(advdata.MaxElementLength)
	appendField := func(what string, f advdata.Field) {
		if err := p.Append(f); err != nil {
			log.WithField("element", what).WithError(err).Debug("Dropping advertising element")
		}
	}

	if name := adv.LocalName(); name != "" {
		appendField("name", advdata.CompleteName(name))
	}
	for _, u := range adv.Services() {
		switch len(u) {
		case 2:
			appendField("service16", advdata.ServiceUUID16(binary.LittleEndian.Uint16(u)))
		case 16:
			if id, err := uuid.FromBytes(reversed(u)); err == nil {
				appendField("service128", advdata.ServiceUUID128(id))
			}
		}
	}
	if md := adv.ManufacturerData(); len(md) >= 2 {
		appendField("manufacturer_data", advdata.ManufacturerData(binary.LittleEndian.Uint16(md), md[2:]))
	}
	return p.Bytes()
}

// decodeAddress turns a go-ble address into a device address.
func decodeAddress(a ble.Addr) (stack.Address, bool) {
	if a == nil {
		return stack.Address{}, false
	}
	return stack.ParsePlatformAddress(a.String())
}

// parseUUID parses a 16-bit or 128-bit UUID string.
func parseUUID(s string) (ble.UUID, error) {
	u, err := ble.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}

// advertisedUUIDs returns the service UUIDs carried by a payload.
func advertisedUUIDs(f advdata.Fields) []ble.UUID {
	var out []ble.UUID
	for _, u := range f.Services16 {
		out = append(out, ble.UUID16(u))
	}
	for _, u := range f.Services128 {
		out = append(out, ble.UUID(reversed(u[:])))
	}
	return out
}

func toBleProperty(p stack.CharacteristicProperty) ble.Property {
	var out ble.Property
	if p.Has(stack.PropBroadcast) {
		out |= ble.CharBroadcast
	}
	if p.Has(stack.PropRead) {
		out |= ble.CharRead
	}
	if p.Has(stack.PropWriteWithoutResponse) {
		out |= ble.CharWriteNR
	}
	if p.Has(stack.PropWrite) {
		out |= ble.CharWrite
	}
	if p.Has(stack.PropNotify) {
		out |= ble.CharNotify
	}
	if p.Has(stack.PropIndicate) {
		out |= ble.CharIndicate
	}
	return out
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
