package testutils

import (
	"sync"

	"github.com/srg/bleapp/internal/stack"
)

// EventRecorder records every GAP and GATT server event it receives.
// It is safe for concurrent use.
type EventRecorder struct {
	mu     sync.Mutex
	events []stack.Event
}

var (
	_ stack.GapEventHandler        = (*EventRecorder)(nil)
	_ stack.GattServerEventHandler = (*EventRecorder)(nil)
)

// Attach makes rec the handler of st and processes events as soon as they
// are posted.
func (r *EventRecorder) Attach(st stack.Stack) {
	st.SetGapEventHandler(r)
	st.SetGattServerEventHandler(r)
	st.OnEventsToProcess(st.ProcessEvents)
}

func (r *EventRecorder) add(ev stack.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns the recorded events.
func (r *EventRecorder) Events() []stack.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stack.Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events.
func (r *EventRecorder) Kinds() []stack.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]stack.EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind()
	}
	return kinds
}

// Has reports whether an event of kind k was recorded.
func (r *EventRecorder) Has(k stack.EventKind) bool {
	for _, kind := range r.Kinds() {
		if kind == k {
			return true
		}
	}
	return false
}

// Last returns the last recorded event of kind k.
func (r *EventRecorder) Last(k stack.EventKind) (stack.Event, bool) {
	events := r.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind() == k {
			return events[i], true
		}
	}
	return nil, false
}

// Reset forgets the recorded events.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *EventRecorder) OnConnectionComplete(e stack.ConnectionCompleteEvent)       { r.add(e) }
func (r *EventRecorder) OnDisconnectionComplete(e stack.DisconnectionCompleteEvent) { r.add(e) }
func (r *EventRecorder) OnAdvertisingEnd(e stack.AdvertisingEndEvent)               { r.add(e) }
func (r *EventRecorder) OnScanTimeout(e stack.ScanTimeoutEvent)                     { r.add(e) }
func (r *EventRecorder) OnAdvertisingReport(e stack.AdvertisingReportEvent)         { r.add(e) }
func (r *EventRecorder) OnDataWritten(e stack.WriteEvent)                           { r.add(e) }
func (r *EventRecorder) OnDataRead(e stack.ReadEvent)                               { r.add(e) }
func (r *EventRecorder) OnUpdatesEnabled(e stack.UpdatesEnabledEvent)               { r.add(e) }
func (r *EventRecorder) OnUpdatesDisabled(e stack.UpdatesDisabledEvent)             { r.add(e) }
func (r *EventRecorder) OnAttMtuChange(e stack.MTUChangeEvent)                      { r.add(e) }
