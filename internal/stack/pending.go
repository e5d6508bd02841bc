package stack

import (
	"sync"
)

// EventBuffer holds events posted by backend goroutines until the owner
// drains them with ProcessEvents. Backends embed it to provide the handler
// half of the Stack interface.
type EventBuffer struct {
	mu      sync.Mutex
	pending []Event
	inits   []error
	gap     GapEventHandler
	gatt    GattServerEventHandler
	notify  func()
	onInit  func(error)
}

// SetGapEventHandler implements Stack.
func (b *EventBuffer) SetGapEventHandler(h GapEventHandler) {
	b.mu.Lock()
	b.gap = h
	b.mu.Unlock()
}

// SetGattServerEventHandler implements Stack.
func (b *EventBuffer) SetGattServerEventHandler(h GattServerEventHandler) {
	b.mu.Lock()
	b.gatt = h
	b.mu.Unlock()
}

// OnEventsToProcess implements Stack.
func (b *EventBuffer) OnEventsToProcess(fn func()) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// SetInitCallback records the callback PostInitComplete resolves.
func (b *EventBuffer) SetInitCallback(fn func(error)) {
	b.mu.Lock()
	b.onInit = fn
	b.mu.Unlock()
}

// Post buffers ev and signals the owner.
func (b *EventBuffer) Post(ev Event) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	notify := b.notify
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// PostInitComplete buffers the outcome of stack initialization.
func (b *EventBuffer) PostInitComplete(err error) {
	b.mu.Lock()
	b.inits = append(b.inits, err)
	notify := b.notify
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Pending returns the number of buffered events.
func (b *EventBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) + len(b.inits)
}

// ProcessEvents implements Stack. Only events buffered at the time of the
// call are delivered; events posted by handlers wait for the next call.
func (b *EventBuffer) ProcessEvents() {
	b.mu.Lock()
	inits, events := b.inits, b.pending
	b.inits, b.pending = nil, nil
	gap, gatt, onInit := b.gap, b.gatt, b.onInit
	b.mu.Unlock()

	if onInit != nil {
		for _, err := range inits {
			onInit(err)
		}
	}
	for _, ev := range events {
		Dispatch(ev, gap, gatt)
	}
}

// Reset drops buffered events and installed handlers.
func (b *EventBuffer) Reset() {
	b.mu.Lock()
	b.pending = nil
	b.inits = nil
	b.gap = nil
	b.gatt = nil
	b.onInit = nil
	b.mu.Unlock()
}
