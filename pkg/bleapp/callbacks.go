package bleapp

import (
	"sync"

	"github.com/srg/bleapp/internal/stack"
)

// callbacks holds one user callback per slot. Slots are read on the queue
// and may be replaced from any goroutine.
type callbacks struct {
	mu                sync.RWMutex
	onConnect         func(*App, stack.ConnectionCompleteEvent)
	onDisconnect      func(*App, stack.DisconnectionCompleteEvent)
	onUpdatesEnabled  func(stack.UpdatesEnabledEvent)
	onUpdatesDisabled func(stack.UpdatesDisabledEvent)
	onServerWrite     func(stack.WriteEvent)
	onServerRead      func(stack.ReadEvent)
	onMtuChange       func(stack.MTUChangeEvent)
}

// OnConnect sets the callback fired once per established link, before the
// application reacts to it in any other way.
func (a *App) OnConnect(fn func(*App, stack.ConnectionCompleteEvent)) {
	a.cb.mu.Lock()
	a.cb.onConnect = fn
	a.cb.mu.Unlock()
}

// OnDisconnect sets the callback fired once per lost link.
func (a *App) OnDisconnect(fn func(*App, stack.DisconnectionCompleteEvent)) {
	a.cb.mu.Lock()
	a.cb.onDisconnect = fn
	a.cb.mu.Unlock()
}

// OnUpdatesEnabled sets the callback fired when a client subscribes.
func (a *App) OnUpdatesEnabled(fn func(stack.UpdatesEnabledEvent)) {
	a.cb.mu.Lock()
	a.cb.onUpdatesEnabled = fn
	a.cb.mu.Unlock()
}

// OnUpdatesDisabled sets the callback fired when a client unsubscribes.
func (a *App) OnUpdatesDisabled(fn func(stack.UpdatesDisabledEvent)) {
	a.cb.mu.Lock()
	a.cb.onUpdatesDisabled = fn
	a.cb.mu.Unlock()
}

// OnServerWrite sets the callback fired on client writes.
func (a *App) OnServerWrite(fn func(stack.WriteEvent)) {
	a.cb.mu.Lock()
	a.cb.onServerWrite = fn
	a.cb.mu.Unlock()
}

// OnServerRead sets the callback fired on client reads.
func (a *App) OnServerRead(fn func(stack.ReadEvent)) {
	a.cb.mu.Lock()
	a.cb.onServerRead = fn
	a.cb.mu.Unlock()
}

// OnAttMtuChange sets the callback fired when the ATT MTU changes.
func (a *App) OnAttMtuChange(fn func(stack.MTUChangeEvent)) {
	a.cb.mu.Lock()
	a.cb.onMtuChange = fn
	a.cb.mu.Unlock()
}

func (a *App) fireConnect(e stack.ConnectionCompleteEvent) {
	a.cb.mu.RLock()
	fn := a.cb.onConnect
	a.cb.mu.RUnlock()
	if fn != nil {
		fn(a, e)
	}
}

func (a *App) fireDisconnect(e stack.DisconnectionCompleteEvent) {
	a.cb.mu.RLock()
	fn := a.cb.onDisconnect
	a.cb.mu.RUnlock()
	if fn != nil {
		fn(a, e)
	}
}

// gattBridge forwards GATT server events to the callback slots.
type gattBridge struct {
	app *App
}

var _ stack.GattServerEventHandler = (*gattBridge)(nil)

func (b *gattBridge) OnDataWritten(e stack.WriteEvent) {
	b.app.cb.mu.RLock()
	fn := b.app.cb.onServerWrite
	b.app.cb.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

func (b *gattBridge) OnDataRead(e stack.ReadEvent) {
	b.app.cb.mu.RLock()
	fn := b.app.cb.onServerRead
	b.app.cb.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

func (b *gattBridge) OnUpdatesEnabled(e stack.UpdatesEnabledEvent) {
	b.app.cb.mu.RLock()
	fn := b.app.cb.onUpdatesEnabled
	b.app.cb.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

func (b *gattBridge) OnUpdatesDisabled(e stack.UpdatesDisabledEvent) {
	b.app.cb.mu.RLock()
	fn := b.app.cb.onUpdatesDisabled
	b.app.cb.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

func (b *gattBridge) OnAttMtuChange(e stack.MTUChangeEvent) {
	b.app.cb.mu.RLock()
	fn := b.app.cb.onMtuChange
	b.app.cb.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}
