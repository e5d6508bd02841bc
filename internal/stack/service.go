package stack

import (
	"strings"
)

// CharacteristicProperty is a bit set of characteristic properties.
type CharacteristicProperty uint8

const (
	PropBroadcast            CharacteristicProperty = 0x01
	PropRead                 CharacteristicProperty = 0x02
	PropWriteWithoutResponse CharacteristicProperty = 0x04
	PropWrite                CharacteristicProperty = 0x08
	PropNotify               CharacteristicProperty = 0x10
	PropIndicate             CharacteristicProperty = 0x20
)

var propertyNames = []struct {
	prop CharacteristicProperty
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
}

// Has reports whether all bits of p are set.
func (c CharacteristicProperty) Has(p CharacteristicProperty) bool {
	return c&p == p
}

func (c CharacteristicProperty) String() string {
	var names []string
	for _, pn := range propertyNames {
		if c.Has(pn.prop) {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties parses a comma separated property list such as "read,notify".
func ParseProperties(s string) (CharacteristicProperty, bool) {
	var props CharacteristicProperty
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		found := false
		for _, pn := range propertyNames {
			if pn.name == part {
				props |= pn.prop
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return props, true
}

// Characteristic describes a local characteristic. Handle is assigned when
// the owning service is added to a GATT server.
type Characteristic struct {
	UUID       string
	Properties CharacteristicProperty
	Value      []byte
	Handle     AttributeHandle
}

// Service describes a local primary service.
type Service struct {
	UUID            string
	Characteristics []*Characteristic
}

// HandleAllocator hands out attribute handles the way a GATT database lays
// them out: one for the service declaration, two per characteristic, plus
// one for the client configuration descriptor of notifying characteristics.
type HandleAllocator struct {
	next AttributeHandle
}

// Assign sets the value handle of every characteristic of svc.
func (a *HandleAllocator) Assign(svc *Service) {
	if a.next == 0 {
		a.next = 1
	}
	a.next++ // service declaration
	for _, c := range svc.Characteristics {
		a.next++ // characteristic declaration
		c.Handle = a.next
		a.next++
		if c.Properties.Has(PropNotify) || c.Properties.Has(PropIndicate) {
			a.next++
		}
	}
}
