// Package stack defines the boundary between the application harness and a
// BLE protocol stack: the commands a stack accepts, the events it delivers,
// and the error taxonomy it reports failures with.
//
// A stack never calls handlers from its own goroutines. It buffers events and
// signals through the OnEventsToProcess hook; the owner then calls
// ProcessEvents from its serialized queue, which delivers the buffered events
// to the installed handlers.
package stack

import (
	"time"
)

// AdvertisingType is the legacy advertising PDU type.
type AdvertisingType uint8

const (
	AdvertisingConnectableUndirected AdvertisingType = iota
	AdvertisingConnectableDirected
	AdvertisingScannableUndirected
	AdvertisingNonConnectableUndirected
)

func (t AdvertisingType) String() string {
	switch t {
	case AdvertisingConnectableUndirected:
		return "connectable-undirected"
	case AdvertisingConnectableDirected:
		return "connectable-directed"
	case AdvertisingScannableUndirected:
		return "scannable-undirected"
	case AdvertisingNonConnectableUndirected:
		return "non-connectable-undirected"
	default:
		return "unknown"
	}
}

// AdvertisingParameters configures the advertising set.
type AdvertisingParameters struct {
	Type     AdvertisingType
	Interval time.Duration
}

// ScanType selects passive or active scanning.
type ScanType uint8

const (
	ScanPassive ScanType = iota
	ScanActive
)

func (t ScanType) String() string {
	if t == ScanActive {
		return "active"
	}
	return "passive"
}

// ScanUnit is the unit of scan interval and window values.
const ScanUnit = 625 * time.Microsecond

// ScanParameters configures the scanner. Interval and Window are in ScanUnit.
type ScanParameters struct {
	Interval uint16
	Window   uint16
	Type     ScanType
}

// IntervalDuration returns the scan interval as a duration.
func (p ScanParameters) IntervalDuration() time.Duration {
	return time.Duration(p.Interval) * ScanUnit
}

// WindowDuration returns the scan window as a duration.
func (p ScanParameters) WindowDuration() time.Duration {
	return time.Duration(p.Window) * ScanUnit
}

// Stack is a BLE protocol stack instance.
type Stack interface {
	// Init starts stack initialization. onComplete is delivered through
	// ProcessEvents once the stack is ready or failed to initialize.
	Init(onComplete func(error)) error
	IsInitialized() bool
	Shutdown() error

	// SetGapEventHandler installs the sole GAP event handler.
	SetGapEventHandler(GapEventHandler)
	// SetGattServerEventHandler installs the sole GATT server event handler.
	SetGattServerEventHandler(GattServerEventHandler)
	// OnEventsToProcess registers the hook signalled whenever events are pending.
	// The hook may be called from any goroutine.
	OnEventsToProcess(func())
	// ProcessEvents delivers pending events to the installed handlers.
	ProcessEvents()

	Gap() Gap
	GattServer() GattServer
}

// Gap is the GAP role of a stack.
type Gap interface {
	SetAdvertisingParameters(AdvertisingParameters) error
	SetAdvertisingPayload(payload []byte) error
	// StartAdvertising advertises for duration; zero means until stopped.
	StartAdvertising(duration time.Duration) error
	StopAdvertising() error
	IsAdvertisingActive() bool

	SetScanParameters(ScanParameters) error
	// StartScan scans for duration; zero means until stopped.
	StartScan(duration time.Duration) error
	StopScan() error

	// Connect requests a connection to peer. The outcome arrives as a
	// ConnectionCompleteEvent.
	Connect(peer PeerAddress) error
}

// GattServer is the GATT server role of a stack.
type GattServer interface {
	// AddService registers svc and assigns the value handles of its characteristics.
	AddService(svc *Service) error
	// UpdateValue replaces the value of a local characteristic and notifies
	// subscribed clients.
	UpdateValue(handle AttributeHandle, value []byte) error
}
