package bleapp

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/srg/bleapp/internal/advdata"
)

// ServiceIDKind tells which form of service identifier is set.
type ServiceIDKind uint8

const (
	ServiceIDNone ServiceIDKind = iota
	ServiceIDShort
	ServiceIDLong
)

func (k ServiceIDKind) String() string {
	switch k {
	case ServiceIDShort:
		return "short"
	case ServiceIDLong:
		return "long"
	default:
		return "none"
	}
}

// ServiceID is the primary service identifier placed in the advertising
// payload: none, a 16-bit short form, or a 128-bit long form.
type ServiceID struct {
	kind  ServiceIDKind
	short uint16
	long  uuid.UUID
}

// ShortServiceID returns a 16-bit service identifier.
func ShortServiceID(id uint16) ServiceID {
	return ServiceID{kind: ServiceIDShort, short: id}
}

// LongServiceID returns a 128-bit service identifier.
func LongServiceID(id uuid.UUID) ServiceID {
	return ServiceID{kind: ServiceIDLong, long: id}
}

// ParseLongServiceID parses a 128-bit identifier in its canonical string form.
func ParseLongServiceID(s string) (ServiceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ServiceID{}, fmt.Errorf("invalid 128-bit service id %q: %w", s, err)
	}
	return LongServiceID(id), nil
}

// Kind returns which form is set.
func (s ServiceID) Kind() ServiceIDKind { return s.kind }

// Short returns the 16-bit form.
func (s ServiceID) Short() (uint16, bool) { return s.short, s.kind == ServiceIDShort }

// Long returns the 128-bit form.
func (s ServiceID) Long() (uuid.UUID, bool) { return s.long, s.kind == ServiceIDLong }

func (s ServiceID) String() string {
	switch s.kind {
	case ServiceIDShort:
		return fmt.Sprintf("0x%04x", s.short)
	case ServiceIDLong:
		return s.long.String()
	default:
		return ""
	}
}

// field returns the advertising element for the identifier, or nil.
func (s ServiceID) field() advdata.Field {
	switch s.kind {
	case ServiceIDShort:
		return advdata.ServiceUUID16(s.short)
	case ServiceIDLong:
		return advdata.ServiceUUID128(s.long)
	default:
		return nil
	}
}

// ActivityConfig is the declared intent the activity state machine acts on.
// Empty names disable the matching activity.
type ActivityConfig struct {
	AdvertisingName     string
	TargetName          string
	ServiceID           ServiceID
	AdvertisingDuration time.Duration
}

// ConfigView is the serializable form of an ActivityConfig.
type ConfigView struct {
	AdvertisingName     string `json:"advertising_name,omitempty"`
	TargetName          string `json:"target_name,omitempty"`
	ServiceID           string `json:"service_id,omitempty"`
	ServiceIDKind       string `json:"service_id_kind"`
	AdvertisingDuration string `json:"advertising_duration"`
}

// View returns the serializable form of c.
func (c ActivityConfig) View() ConfigView {
	return ConfigView{
		AdvertisingName:     c.AdvertisingName,
		TargetName:          c.TargetName,
		ServiceID:           c.ServiceID.String(),
		ServiceIDKind:       c.ServiceID.Kind().String(),
		AdvertisingDuration: c.AdvertisingDuration.String(),
	}
}

// advertisingPayload builds flags, then the optional service identifier,
// then the complete local name.
func (c ActivityConfig) advertisingPayload(limit int) ([]byte, error) {
	fields := []advdata.Field{advdata.Flags(advdata.FlagLEGeneralDiscoverable | advdata.FlagBREDRNotSupported)}
	if f := c.ServiceID.field(); f != nil {
		fields = append(fields, f)
	}
	fields = append(fields, advdata.CompleteName(c.AdvertisingName))
	return advdata.Build(limit, fields...)
}
