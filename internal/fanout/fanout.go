// Package fanout multiplexes stack events to any number of listeners.
//
// A stack accepts a single handler per role. GapFanout and GattServerFanout
// are installed as that handler and rebroadcast every event, synchronously and
// in registration order, to the listeners registered when the event arrives.
// Listeners registered from inside a callback first see the next event.
package fanout

import (
	"github.com/srg/bleapp/internal/stack"
)

// GapFanout rebroadcasts GAP events.
type GapFanout struct {
	reg *registry[stack.GapEventHandler]
}

// NewGapFanout creates an empty GAP fanout.
func NewGapFanout() *GapFanout {
	return &GapFanout{reg: newRegistry[stack.GapEventHandler]()}
}

// Register appends l. Returns false if l is nil or already registered.
func (f *GapFanout) Register(l stack.GapEventHandler) bool { return f.reg.add(l) }

// Unregister withdraws l. Returns false if l was not registered.
func (f *GapFanout) Unregister(l stack.GapEventHandler) bool { return f.reg.remove(l) }

// Len returns the number of registered listeners.
func (f *GapFanout) Len() int { return f.reg.len() }

// Reset drops every listener.
func (f *GapFanout) Reset() { f.reg.reset() }

// Listeners returns the registered listeners in order.
func (f *GapFanout) Listeners() []stack.GapEventHandler { return f.reg.snapshot() }

func (f *GapFanout) OnConnectionComplete(e stack.ConnectionCompleteEvent) {
	f.reg.each(func(l stack.GapEventHandler) { l.OnConnectionComplete(e) })
}

func (f *GapFanout) OnDisconnectionComplete(e stack.DisconnectionCompleteEvent) {
	f.reg.each(func(l stack.GapEventHandler) { l.OnDisconnectionComplete(e) })
}

func (f *GapFanout) OnAdvertisingEnd(e stack.AdvertisingEndEvent) {
	f.reg.each(func(l stack.GapEventHandler) { l.OnAdvertisingEnd(e) })
}

func (f *GapFanout) OnScanTimeout(e stack.ScanTimeoutEvent) {
	f.reg.each(func(l stack.GapEventHandler) { l.OnScanTimeout(e) })
}

func (f *GapFanout) OnAdvertisingReport(e stack.AdvertisingReportEvent) {
	f.reg.each(func(l stack.GapEventHandler) { l.OnAdvertisingReport(e) })
}

// GattServerFanout rebroadcasts GATT server events.
type GattServerFanout struct {
	reg *registry[stack.GattServerEventHandler]
}

// NewGattServerFanout creates an empty GATT server fanout.
func NewGattServerFanout() *GattServerFanout {
	return &GattServerFanout{reg: newRegistry[stack.GattServerEventHandler]()}
}

// Register appends l. Returns false if l is nil or already registered.
func (f *GattServerFanout) Register(l stack.GattServerEventHandler) bool { return f.reg.add(l) }

// Unregister withdraws l. Returns false if l was not registered.
func (f *GattServerFanout) Unregister(l stack.GattServerEventHandler) bool {
	return f.reg.remove(l)
}

// Len returns the number of registered listeners.
func (f *GattServerFanout) Len() int { return f.reg.len() }

// Reset drops every listener.
func (f *GattServerFanout) Reset() { f.reg.reset() }

func (f *GattServerFanout) OnDataWritten(e stack.WriteEvent) {
	f.reg.each(func(l stack.GattServerEventHandler) { l.OnDataWritten(e) })
}

func (f *GattServerFanout) OnDataRead(e stack.ReadEvent) {
	f.reg.each(func(l stack.GattServerEventHandler) { l.OnDataRead(e) })
}

func (f *GattServerFanout) OnUpdatesEnabled(e stack.UpdatesEnabledEvent) {
	f.reg.each(func(l stack.GattServerEventHandler) { l.OnUpdatesEnabled(e) })
}

func (f *GattServerFanout) OnUpdatesDisabled(e stack.UpdatesDisabledEvent) {
	f.reg.each(func(l stack.GattServerEventHandler) { l.OnUpdatesDisabled(e) })
}

func (f *GattServerFanout) OnAttMtuChange(e stack.MTUChangeEvent) {
	f.reg.each(func(l stack.GattServerEventHandler) { l.OnAttMtuChange(e) })
}

var (
	_ stack.GapEventHandler        = (*GapFanout)(nil)
	_ stack.GattServerEventHandler = (*GattServerFanout)(nil)
)
