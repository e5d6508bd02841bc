package sim

import (
	"github.com/srg/bleapp/internal/advdata"
	"github.com/srg/bleapp/internal/stack"
)

// Peer is a virtual remote device. A peer with a Name advertises while we
// scan; a peer with LooksFor connects to us as soon as we advertise that name.
type Peer struct {
	Name           string            `yaml:"name"`
	Address        stack.Address     `yaml:"address"`
	AddressType    stack.AddressType `yaml:"address_type"`
	RSSI           int8              `yaml:"rssi"`
	NonConnectable bool              `yaml:"non_connectable"`
	Service16      uint16            `yaml:"service16"`
	LooksFor       string            `yaml:"looks_for"`
}

// PeerAddress returns the typed address of the peer.
func (p Peer) PeerAddress() stack.PeerAddress {
	return stack.PeerAddress{Type: p.AddressType, Address: p.Address}
}

// Report builds the advertising report the peer emits.
func (p Peer) Report() (stack.AdvertisingReportEvent, error) {
	fields := []advdata.Field{advdata.Flags(advdata.FlagLEGeneralDiscoverable | advdata.FlagBREDRNotSupported)}
	if p.Service16 != 0 {
		fields = append(fields, advdata.ServiceUUID16(p.Service16))
	}
	if p.Name != "" {
		fields = append(fields, advdata.CompleteName(p.Name))
	}
	payload, err := advdata.Build(advdata.MaxElementLength, fields...)
	if err != nil {
		return stack.AdvertisingReportEvent{}, err
	}
	return stack.AdvertisingReportEvent{
		Peer:        p.PeerAddress(),
		Connectable: !p.NonConnectable,
		RSSI:        p.RSSI,
		Payload:     payload,
	}, nil
}

// peersAdvertiseLocked posts a report for every advertising peer.
func (s *Stack) peersAdvertiseLocked() {
	for _, p := range s.peers {
		if p.Name == "" && p.Service16 == 0 {
			continue
		}
		ev, err := p.Report()
		if err != nil {
			s.logger.WithError(err).WithField("peer", p.Name).Warn("sim: peer report does not encode")
			continue
		}
		s.Post(ev)
	}
}

// peersNoticeAdvertisingLocked lets the first peer looking for our
// advertised name connect to us.
func (s *Stack) peersNoticeAdvertisingLocked() {
	if len(s.links) > 0 {
		return
	}
	name, ok := advdata.LocalName(s.payload)
	if !ok {
		return
	}
	for _, p := range s.peers {
		if p.LooksFor == "" || p.LooksFor != string(name) {
			continue
		}
		h := s.openLinkLocked(p.PeerAddress())
		s.advertising = false
		if s.advTimer != nil {
			s.advTimer.Stop()
			s.advTimer = nil
		}
		s.Post(stack.ConnectionCompleteEvent{Handle: h, Role: stack.RolePeripheral, Peer: p.PeerAddress()})
		s.Post(stack.AdvertisingEndEvent{Connected: true, Handle: h})
		return
	}
}
