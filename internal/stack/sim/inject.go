package sim

import (
	"github.com/srg/bleapp/internal/stack"
)

// InjectAdvertisingReport delivers a received advertisement.
func (s *Stack) InjectAdvertisingReport(ev stack.AdvertisingReportEvent) {
	s.Post(ev)
}

// InjectConnectionComplete delivers a connection outcome. A successful
// outcome opens a link; a zero handle is replaced with the next free one.
func (s *Stack) InjectConnectionComplete(ev stack.ConnectionCompleteEvent) stack.ConnectionHandle {
	if ev.Success() {
		s.mu.Lock()
		if ev.Handle == 0 {
			ev.Handle = s.openLinkLocked(ev.Peer)
		} else {
			s.links[ev.Handle] = ev.Peer
		}
		if ev.Role == stack.RolePeripheral {
			s.advertising = false
		}
		s.mu.Unlock()
	}
	s.Post(ev)
	return ev.Handle
}

// InjectDisconnection closes a link and delivers the disconnection.
func (s *Stack) InjectDisconnection(handle stack.ConnectionHandle, reason uint8) {
	s.mu.Lock()
	delete(s.links, handle)
	s.mu.Unlock()
	s.Post(stack.DisconnectionCompleteEvent{Handle: handle, Reason: reason})
}

// InjectScanTimeout ends the running scan.
func (s *Stack) InjectScanTimeout() {
	s.mu.Lock()
	s.scanning = false
	if s.scanTimer != nil {
		s.scanTimer.Stop()
		s.scanTimer = nil
	}
	s.mu.Unlock()
	s.Post(stack.ScanTimeoutEvent{})
}

// InjectAdvertisingEnd ends advertising as if its duration had elapsed.
func (s *Stack) InjectAdvertisingEnd() {
	s.mu.Lock()
	s.advertising = false
	if s.advTimer != nil {
		s.advTimer.Stop()
		s.advTimer = nil
	}
	s.mu.Unlock()
	s.Post(stack.AdvertisingEndEvent{})
}

// InjectWrite delivers a client write and stores the written value.
func (s *Stack) InjectWrite(ev stack.WriteEvent) {
	s.mu.Lock()
	if _, ok := s.values[ev.Handle]; ok {
		s.values[ev.Handle] = append([]byte(nil), ev.Data...)
	}
	s.mu.Unlock()
	s.Post(ev)
}

// InjectRead delivers a client read; the event carries the current value.
func (s *Stack) InjectRead(conn stack.ConnectionHandle, handle stack.AttributeHandle) {
	v, _ := s.Value(handle)
	s.Post(stack.ReadEvent{Conn: conn, Handle: handle, Data: v})
}

// InjectUpdatesEnabled delivers a client subscription.
func (s *Stack) InjectUpdatesEnabled(conn stack.ConnectionHandle, handle stack.AttributeHandle) {
	s.Post(stack.UpdatesEnabledEvent{Conn: conn, Handle: handle})
}

// InjectUpdatesDisabled delivers a client unsubscription.
func (s *Stack) InjectUpdatesDisabled(conn stack.ConnectionHandle, handle stack.AttributeHandle) {
	s.Post(stack.UpdatesDisabledEvent{Conn: conn, Handle: handle})
}

// InjectMTUChange delivers an ATT MTU change.
func (s *Stack) InjectMTUChange(conn stack.ConnectionHandle, mtu uint16) {
	s.Post(stack.MTUChangeEvent{Conn: conn, MTU: mtu})
}
