package stack

// ConnectionHandle identifies a live link.
type ConnectionHandle uint16

// AttributeHandle identifies a GATT attribute in the local server.
type AttributeHandle uint16

// Role is the local role on a connection.
type Role uint8

const (
	RoleCentral Role = iota
	RolePeripheral
)

func (r Role) String() string {
	if r == RolePeripheral {
		return "peripheral"
	}
	return "central"
}

// EventKind names an event for logs, scripts and serialized records.
type EventKind string

const (
	KindConnectionComplete    EventKind = "connection_complete"
	KindDisconnectionComplete EventKind = "disconnection_complete"
	KindAdvertisingEnd        EventKind = "advertising_end"
	KindScanTimeout           EventKind = "scan_timeout"
	KindAdvertisingReport     EventKind = "advertising_report"
	KindWrite                 EventKind = "write"
	KindRead                  EventKind = "read"
	KindUpdatesEnabled        EventKind = "updates_enabled"
	KindUpdatesDisabled       EventKind = "updates_disabled"
	KindMTUChange             EventKind = "mtu_change"
)

// Event is any event a stack delivers to its handlers.
// The set of implementations is closed; see Dispatch.
type Event interface {
	Kind() EventKind
	isEvent()
}

// ConnectionCompleteEvent reports the outcome of a connection attempt,
// in either role. Err is nil on success.
type ConnectionCompleteEvent struct {
	Err    error
	Handle ConnectionHandle
	Role   Role
	Peer   PeerAddress
}

// Success reports whether a link was established.
func (e ConnectionCompleteEvent) Success() bool { return e.Err == nil }

// DisconnectionCompleteEvent reports that a link went down.
type DisconnectionCompleteEvent struct {
	Handle ConnectionHandle
	Reason uint8
}

// AdvertisingEndEvent reports that advertising stopped on its own, either
// because its duration elapsed or because a peer connected.
type AdvertisingEndEvent struct {
	Connected bool
	Handle    ConnectionHandle
}

// ScanTimeoutEvent reports that a bounded scan ran out.
type ScanTimeoutEvent struct{}

// AdvertisingReportEvent carries one received advertisement.
type AdvertisingReportEvent struct {
	Peer        PeerAddress
	Connectable bool
	RSSI        int8
	Payload     []byte
}

// WriteEvent reports a client write to a local attribute.
type WriteEvent struct {
	Conn   ConnectionHandle
	Handle AttributeHandle
	Offset uint16
	Data   []byte
}

// ReadEvent reports a client read of a local attribute.
type ReadEvent struct {
	Conn   ConnectionHandle
	Handle AttributeHandle
	Data   []byte
}

// UpdatesEnabledEvent reports that a client subscribed to a characteristic.
type UpdatesEnabledEvent struct {
	Conn   ConnectionHandle
	Handle AttributeHandle
}

// UpdatesDisabledEvent reports that a client unsubscribed from a characteristic.
type UpdatesDisabledEvent struct {
	Conn   ConnectionHandle
	Handle AttributeHandle
}

// MTUChangeEvent reports the negotiated ATT MTU of a link.
type MTUChangeEvent struct {
	Conn ConnectionHandle
	MTU  uint16
}

func (ConnectionCompleteEvent) Kind() EventKind { return KindConnectionComplete }
func (DisconnectionCompleteEvent) Kind() EventKind { return KindDisconnectionComplete }
func (AdvertisingEndEvent) Kind() EventKind { return KindAdvertisingEnd }
func (ScanTimeoutEvent) Kind() EventKind { return KindScanTimeout }
func (AdvertisingReportEvent) Kind() EventKind { return KindAdvertisingReport }
func (WriteEvent) Kind() EventKind { return KindWrite }
func (ReadEvent) Kind() EventKind { return KindRead }
func (UpdatesEnabledEvent) Kind() EventKind { return KindUpdatesEnabled }
func (UpdatesDisabledEvent) Kind() EventKind { return KindUpdatesDisabled }
func (MTUChangeEvent) Kind() EventKind { return KindMTUChange }

func (ConnectionCompleteEvent) isEvent() {}
func (DisconnectionCompleteEvent) isEvent() {}
func (AdvertisingEndEvent) isEvent() {}
func (ScanTimeoutEvent) isEvent() {}
func (AdvertisingReportEvent) isEvent() {}
func (WriteEvent) isEvent() {}
func (ReadEvent) isEvent() {}
func (UpdatesEnabledEvent) isEvent() {}
func (UpdatesDisabledEvent) isEvent() {}
func (MTUChangeEvent) isEvent() {}

// Dispatch delivers ev to the matching method of the handler for its role.
// A nil handler drops events of its role. Returns false if the event was dropped.
func Dispatch(ev Event, gap GapEventHandler, gatt GattServerEventHandler) bool {
	switch e := ev.(type) {
	case ConnectionCompleteEvent:
		if gap == nil {
			return false
		}
		gap.OnConnectionComplete(e)
	case DisconnectionCompleteEvent:
		if gap == nil {
			return false
		}
		gap.OnDisconnectionComplete(e)
	case AdvertisingEndEvent:
		if gap == nil {
			return false
		}
		gap.OnAdvertisingEnd(e)
	case ScanTimeoutEvent:
		if gap == nil {
			return false
		}
		gap.OnScanTimeout(e)
	case AdvertisingReportEvent:
		if gap == nil {
			return false
		}
		gap.OnAdvertisingReport(e)
	case WriteEvent:
		if gatt == nil {
			return false
		}
		gatt.OnDataWritten(e)
	case ReadEvent:
		if gatt == nil {
			return false
		}
		gatt.OnDataRead(e)
	case UpdatesEnabledEvent:
		if gatt == nil {
			return false
		}
		gatt.OnUpdatesEnabled(e)
	case UpdatesDisabledEvent:
		if gatt == nil {
			return false
		}
		gatt.OnUpdatesDisabled(e)
	case MTUChangeEvent:
		if gatt == nil {
			return false
		}
		gatt.OnAttMtuChange(e)
	default:
		return false
	}
	return true
}
