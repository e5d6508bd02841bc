package testutils

import (
	"fmt"

	"github.com/srg/bleapp/internal/advdata"
	"github.com/srg/bleapp/internal/stack"
)

// ReportBuilder builds advertising report events for tests.
// It provides a fluent API; the payload is encoded the way a real
// advertiser would encode it.
type ReportBuilder struct {
	name        string
	address     string
	addrType    stack.AddressType
	rssi        int8
	service16   uint16
	manufData   []byte
	connectable bool
	raw         []byte
}

// NewReportBuilder creates a builder for a connectable report.
func NewReportBuilder() *ReportBuilder {
	return &ReportBuilder{
		address:     "00:00:00:00:00:01",
		rssi:        -50,
		connectable: true,
	}
}

// WithName sets the complete local name.
func (b *ReportBuilder) WithName(name string) *ReportBuilder {
	b.name = name
	return b
}

// WithAddress sets the advertiser address.
func (b *ReportBuilder) WithAddress(addr string) *ReportBuilder {
	b.address = addr
	return b
}

// WithAddressType sets the advertiser address type.
func (b *ReportBuilder) WithAddressType(t stack.AddressType) *ReportBuilder {
	b.addrType = t
	return b
}

// WithRSSI sets the signal strength.
func (b *ReportBuilder) WithRSSI(rssi int8) *ReportBuilder {
	b.rssi = rssi
	return b
}

// WithService16 adds a 16-bit service UUID element.
func (b *ReportBuilder) WithService16(u uint16) *ReportBuilder {
	b.service16 = u
	return b
}

// WithManufacturerData adds a manufacturer specific data element.
func (b *ReportBuilder) WithManufacturerData(data []byte) *ReportBuilder {
	b.manufData = data
	return b
}

// WithConnectable sets whether the advertiser accepts connections.
func (b *ReportBuilder) WithConnectable(c bool) *ReportBuilder {
	b.connectable = c
	return b
}

// WithRawPayload replaces the encoded payload with raw bytes.
func (b *ReportBuilder) WithRawPayload(raw []byte) *ReportBuilder {
	b.raw = raw
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *ReportBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ReportBuilder {
	var data struct {
		Name        *string `json:"name"`
		Address     *string `json:"address"`
		RSSI        *int8   `json:"rssi"`
		Service16   *uint16 `json:"service16"`
		Connectable *bool   `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	if data.Name != nil {
		b.name = *data.Name
	}
	if data.Address != nil {
		b.address = *data.Address
	}
	if data.RSSI != nil {
		b.rssi = *data.RSSI
	}
	if data.Service16 != nil {
		b.service16 = *data.Service16
	}
	if data.Connectable != nil {
		b.connectable = *data.Connectable
	}
	return b
}

// Build creates the report. Panics on an invalid address or an
// unencodable payload.
func (b *ReportBuilder) Build() stack.AdvertisingReportEvent {
	addr, err := stack.ParseAddress(b.address)
	if err != nil {
		panic(err)
	}

	payload := b.raw
	if payload == nil {
		fields := []advdata.Field{advdata.Flags(advdata.FlagLEGeneralDiscoverable | advdata.FlagBREDRNotSupported)}
		if b.service16 != 0 {
			fields = append(fields, advdata.ServiceUUID16(b.service16))
		}
		if b.manufData != nil {
			fields = append(fields, advdata.ManufacturerData(0xFFFF, b.manufData))
		}
		if b.name != "" {
			fields = append(fields, advdata.CompleteName(b.name))
		}
		payload, err = advdata.Build(advdata.MaxElementLength, fields...)
		if err != nil {
			panic(err)
		}
	}

	return stack.AdvertisingReportEvent{
		Peer:        stack.PeerAddress{Type: b.addrType, Address: addr},
		Connectable: b.connectable,
		RSSI:        b.rssi,
		Payload:     payload,
	}
}
