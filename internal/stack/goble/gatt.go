package goble

import (
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/stack"
)

// linkConn is the part of ble.Conn used to track clients of the GATT server.
type linkConn interface {
	RemoteAddr() ble.Addr
	TxMTU() int
	Disconnected() <-chan struct{}
}

// AddService registers svc with the device. Value handles are assigned
// from the backend's own attribute layout and identify characteristics in
// GATT events.
func (s *Stack) AddService(svc *stack.Service) error {
	s.mu.Lock()
	dev, err := s.ready("AddService")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	su, err := parseUUID(svc.UUID)
	if err != nil {
		s.mu.Unlock()
		return stack.WrapError("AddService", stack.CodeInvalidParam, err)
	}

	bsvc := ble.NewService(su)
	for _, c := range svc.Characteristics {
		cu, err := parseUUID(c.UUID)
		if err != nil {
			s.mu.Unlock()
			return stack.WrapError("AddService", stack.CodeInvalidParam, err)
		}
		bsvc.AddCharacteristic(s.characteristic(cu, c))
	}

	s.alloc.Assign(svc)
	for _, c := range svc.Characteristics {
		s.values[c.Handle] = append([]byte(nil), c.Value...)
	}
	s.mu.Unlock()

	if err := dev.AddService(bsvc); err != nil {
		return NormalizeError("AddService", err)
	}
	return nil
}

// characteristic builds the go-ble characteristic for c. The handlers
// resolve c.Handle when they run, after it was assigned.
func (s *Stack) characteristic(u ble.UUID, c *stack.Characteristic) *ble.Characteristic {
	bc := ble.NewCharacteristic(u)
	if c.Properties.Has(stack.PropRead) {
		bc.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			data := s.onRead(req.Conn(), c.Handle)
			if _, err := rsp.Write(data); err != nil {
				s.logger.WithError(err).WithField("handle", c.Handle).Warn("Read response failed")
			}
		}))
	}
	if c.Properties.Has(stack.PropWrite) || c.Properties.Has(stack.PropWriteWithoutResponse) {
		bc.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			s.onWrite(req.Conn(), c.Handle, uint16(req.Offset()), req.Data())
		}))
	}
	if c.Properties.Has(stack.PropNotify) {
		bc.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
			s.onSubscribe(req.Conn(), c.Handle, n)
		}))
	}
	if c.Properties.Has(stack.PropIndicate) {
		bc.HandleIndicate(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
			s.onSubscribe(req.Conn(), c.Handle, n)
		}))
	}
	bc.Property = toBleProperty(c.Properties)
	return bc
}

// UpdateValue stores the value and notifies subscribed clients.
func (s *Stack) UpdateValue(handle stack.AttributeHandle, value []byte) error {
	s.mu.Lock()
	if _, err := s.ready("UpdateValue"); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.values[handle]; !ok {
		s.mu.Unlock()
		return stack.NewError("UpdateValue", stack.CodeInvalidParam)
	}
	v := append([]byte(nil), value...)
	s.values[handle] = v
	notifiers := make([]ble.Notifier, 0, len(s.subscribers[handle]))
	for _, n := range s.subscribers[handle] {
		notifiers = append(notifiers, n)
	}
	s.mu.Unlock()

	for _, n := range notifiers {
		if _, err := n.Write(v); err != nil {
			s.logger.WithError(err).WithField("handle", handle).Warn("Notification failed")
		}
	}
	return nil
}

func (s *Stack) value(handle stack.AttributeHandle) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.values[handle]...)
}

func (s *Stack) onRead(conn linkConn, handle stack.AttributeHandle) []byte {
	h := s.peripheralLink(conn)
	data := s.value(handle)
	s.Post(stack.ReadEvent{Conn: h, Handle: handle, Data: data})
	return data
}

func (s *Stack) onWrite(conn linkConn, handle stack.AttributeHandle, offset uint16, data []byte) {
	h := s.peripheralLink(conn)
	data = append([]byte(nil), data...)
	s.mu.Lock()
	if _, ok := s.values[handle]; ok {
		s.values[handle] = data
	}
	s.mu.Unlock()
	s.Post(stack.WriteEvent{Conn: h, Handle: handle, Offset: offset, Data: data})
}

// onSubscribe runs for as long as the client stays subscribed.
func (s *Stack) onSubscribe(conn linkConn, handle stack.AttributeHandle, n ble.Notifier) {
	h := s.peripheralLink(conn)
	s.mu.Lock()
	subs, ok := s.subscribers[handle]
	if !ok {
		subs = make(map[stack.ConnectionHandle]ble.Notifier)
		s.subscribers[handle] = subs
	}
	subs[h] = n
	s.mu.Unlock()
	s.Post(stack.UpdatesEnabledEvent{Conn: h, Handle: handle})

	<-n.Context().Done()

	s.mu.Lock()
	if subs, ok := s.subscribers[handle]; ok && subs[h] == n {
		delete(subs, h)
	}
	s.mu.Unlock()
	s.Post(stack.UpdatesDisabledEvent{Conn: h, Handle: handle})
}

// peripheralLink returns the handle of a client link, opening it on the
// first request of a new client. Opening a link ends advertising the way a
// controller does when a peer connects.
func (s *Stack) peripheralLink(conn linkConn) stack.ConnectionHandle {
	s.mu.Lock()
	if h, ok := s.links[conn]; ok {
		s.mu.Unlock()
		return h
	}
	h := s.openLinkLocked(conn)
	addr, _ := decodeAddress(conn.RemoteAddr())
	wasAdvertising := s.advertising
	s.stopAdvertisingLocked()
	s.mu.Unlock()

	peer := stack.PeerAddress{Type: stack.AddressPublic, Address: addr}
	s.logger.WithFields(logrus.Fields{"handle": h, "peer": peer.String()}).Debug("Client connected")
	s.Post(stack.ConnectionCompleteEvent{Handle: h, Role: stack.RolePeripheral, Peer: peer})
	if wasAdvertising {
		s.Post(stack.AdvertisingEndEvent{Connected: true, Handle: h})
	}
	if mtu := conn.TxMTU(); mtu > defaultATTMTU {
		s.Post(stack.MTUChangeEvent{Conn: h, MTU: uint16(mtu)})
	}
	s.watchLink(conn, conn.Disconnected(), h)
	return h
}
