// Package bleapp runs a BLE stack on behalf of an application.
//
// The application declares what it wants: a name to advertise, a peer name
// to connect to, a service identifier to advertise. App owns the stack
// lifecycle, keeps advertising and scanning in line with that intent, and
// hands stack events to any number of listeners and to the user callbacks.
//
// All state changes run on one serialized queue. Setters may be called from
// any goroutine; they queue the change and report synchronously whether it
// was accepted.
package bleapp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/fanout"
	"github.com/srg/bleapp/internal/queue"
	"github.com/srg/bleapp/internal/stack"
)

// ErrAlreadyRunning is returned by Start while a previous Start is still running.
var ErrAlreadyRunning = errors.New("application already running")

// App is the lifecycle controller.
type App struct {
	stack  stack.Stack
	queue  *queue.EventQueue
	logger *logrus.Logger
	opts   options

	gap      *fanout.GapFanout
	gatt     *fanout.GattServerFanout
	activity *activity
	bridge   *gattBridge

	config atomic.Pointer[ActivityConfig]
	status atomic.Pointer[Status]

	// requested is the service identifier form accepted by the setters,
	// which may not be committed yet. generation counts configuration
	// resets; a commit queued before a reset is dropped.
	reqMu      sync.Mutex
	requested  ServiceIDKind
	generation atomic.Uint64

	lifeMu   sync.Mutex
	running  bool
	stopping bool
	initErr  error

	cb callbacks
}

// New creates an application around st.
func New(st stack.Stack, opts ...Option) *App {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
		o.logger.SetLevel(logrus.PanicLevel)
	}

	a := &App{
		stack:  st,
		queue:  queue.New(o.logger),
		logger: o.logger,
		opts:   o,
		gap:    fanout.NewGapFanout(),
		gatt:   fanout.NewGattServerFanout(),
	}
	a.activity = &activity{app: a}
	a.bridge = &gattBridge{app: a}
	a.gap.Register(a.activity)
	a.resetConfig()
	a.publishStatus()
	return a
}

// Stack returns the underlying stack.
func (a *App) Stack() stack.Stack { return a.stack }

// Queue returns the application queue.
func (a *App) Queue() *queue.EventQueue { return a.queue }

// Logger returns the application logger.
func (a *App) Logger() *logrus.Logger { return a.logger }

// Start initializes the stack and runs the queue until Stop. postInit, if
// not nil, runs on the queue once the stack is ready, before the first
// reconciliation.
func (a *App) Start(postInit func(*App)) error {
	if a.stack.IsInitialized() {
		a.logger.Error("BLE stack already initialized")
		return stack.NewError("Start", stack.CodeAlreadyInitialized)
	}

	a.lifeMu.Lock()
	if a.running {
		a.lifeMu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.stopping = false
	a.initErr = nil
	a.lifeMu.Unlock()

	defer func() {
		a.lifeMu.Lock()
		a.running = false
		a.stopping = false
		a.lifeMu.Unlock()
	}()

	a.stack.SetGapEventHandler(a.gap)
	a.stack.SetGattServerEventHandler(a.gatt)
	a.stack.OnEventsToProcess(func() {
		a.queue.Call(a.stack.ProcessEvents)
	})

	if err := a.stack.Init(func(err error) { a.onInitComplete(err, postInit) }); err != nil {
		a.logStackError("Init", err)
		return fmt.Errorf("initialize BLE stack: %w", err)
	}
	a.logger.Debug("BLE stack initializing")

	a.queue.DispatchForever()
	a.queue.DispatchOnce()

	a.lifeMu.Lock()
	err := a.initErr
	a.lifeMu.Unlock()
	return err
}

func (a *App) onInitComplete(err error, postInit func(*App)) {
	if err != nil {
		a.logStackError("Init", err)
		a.lifeMu.Lock()
		a.initErr = fmt.Errorf("initialize BLE stack: %w", err)
		a.stopping = true
		a.lifeMu.Unlock()
		a.queue.BreakDispatch()
		return
	}
	a.logger.Info("BLE stack initialized")

	if postInit != nil {
		a.queue.Call(func() { postInit(a) })
	}
	a.queue.Call(a.activity.reconcile)
}

// Stop shuts the stack down and makes Start return. Calls before Start, or
// after a stop is already pending, have no effect.
func (a *App) Stop() {
	a.lifeMu.Lock()
	if !a.running || a.stopping {
		a.lifeMu.Unlock()
		a.logger.Debug("Stop ignored: not running")
		return
	}
	a.stopping = true
	a.lifeMu.Unlock()

	a.queue.Call(a.shutdown)
}

func (a *App) shutdown() {
	if a.stack.IsInitialized() {
		if err := a.stack.Shutdown(); err != nil {
			a.logStackError("Shutdown", err)
		} else {
			a.logger.Info("BLE stack shut down")
		}
	}
	a.queue.BreakDispatch()

	a.activity.reset()
	a.gap.Reset()
	a.gap.Register(a.activity)
	a.gatt.Reset()
	a.resetConfig()
	a.publishStatus()
}

// Running reports whether Start is running.
func (a *App) Running() bool {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	return a.running
}

// AddGapEventHandler registers a GAP listener after the ones already
// registered. Returns false if l is already registered.
func (a *App) AddGapEventHandler(l stack.GapEventHandler) bool {
	return a.gap.Register(l)
}

// RemoveGapEventHandler withdraws a GAP listener.
func (a *App) RemoveGapEventHandler(l stack.GapEventHandler) bool {
	if l == stack.GapEventHandler(a.activity) {
		return false
	}
	return a.gap.Unregister(l)
}

// AddGattServerEventHandler registers a GATT server listener.
// Returns false if l is already registered.
func (a *App) AddGattServerEventHandler(l stack.GattServerEventHandler) bool {
	return a.gatt.Register(l)
}

// RemoveGattServerEventHandler withdraws a GATT server listener.
func (a *App) RemoveGattServerEventHandler(l stack.GattServerEventHandler) bool {
	return a.gatt.Unregister(l)
}

// installGattBridge registers the callback bridge once per run, after the
// connect callback had its chance to register listeners of its own.
func (a *App) installGattBridge() {
	if a.gatt.Register(a.bridge) {
		a.logger.Debug("GATT server callbacks installed")
	}
}

func (a *App) logStackError(op string, err error) {
	code := stack.CodeOf(err)
	a.logger.WithFields(logrus.Fields{
		"op":       op,
		"code":     code.String(),
		"category": string(code.Category()),
	}).WithError(err).Error(code.Describe())
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

func (a *App) defaultConfig() *ActivityConfig {
	return &ActivityConfig{AdvertisingDuration: a.opts.advertisingDuration}
}

func (a *App) resetConfig() {
	a.reqMu.Lock()
	a.requested = ServiceIDNone
	a.generation.Add(1)
	a.reqMu.Unlock()
	a.config.Store(a.defaultConfig())
}

func (a *App) committed() ActivityConfig {
	return *a.config.Load()
}

// commit queues a change of the configuration followed by a reconciliation.
// A change still queued when Stop resets the configuration is discarded, so
// the committed service identifier always matches the requested one.
func (a *App) commit(change func(*ActivityConfig)) {
	gen := a.generation.Load()
	a.queue.Call(func() {
		if a.generation.Load() != gen {
			a.logger.Debug("Discarding configuration change queued before reset")
			return
		}
		next := a.committed()
		change(&next)
		a.config.Store(&next)
	})
	a.queue.Call(a.activity.reconcile)
}

// Config returns the committed configuration.
func (a *App) Config() ActivityConfig { return a.committed() }

// AdvertisingName returns the committed advertising name.
func (a *App) AdvertisingName() string { return a.committed().AdvertisingName }

// TargetName returns the committed target name.
func (a *App) TargetName() string { return a.committed().TargetName }

// ServiceID returns the committed service identifier.
func (a *App) ServiceID() ServiceID { return a.committed().ServiceID }

// AdvertisingDuration returns the committed advertising duration.
func (a *App) AdvertisingDuration() time.Duration { return a.committed().AdvertisingDuration }

// SetAdvertisingName sets the name to advertise. An empty name stops advertising.
func (a *App) SetAdvertisingName(name string) bool {
	a.commit(func(c *ActivityConfig) { c.AdvertisingName = name })
	return true
}

// SetTargetName sets the peer name to connect to. An empty name stops scanning.
func (a *App) SetTargetName(name string) bool {
	a.commit(func(c *ActivityConfig) { c.TargetName = name })
	return true
}

// SetServiceIDShort advertises a 16-bit service identifier. It fails if a
// 128-bit identifier is set.
func (a *App) SetServiceIDShort(id uint16) bool {
	a.reqMu.Lock()
	defer a.reqMu.Unlock()
	if a.requested == ServiceIDLong {
		a.logger.WithField("service_id", fmt.Sprintf("0x%04x", id)).Warn("Long service id already set")
		return false
	}
	a.requested = ServiceIDShort
	a.commit(func(c *ActivityConfig) { c.ServiceID = ShortServiceID(id) })
	return true
}

// SetServiceIDLong advertises a 128-bit service identifier given in its
// canonical string form. It fails if a 16-bit identifier is set or id does
// not parse.
func (a *App) SetServiceIDLong(id string) bool {
	sid, err := ParseLongServiceID(id)
	if err != nil {
		a.logger.WithError(err).Warn("Rejected service id")
		return false
	}

	a.reqMu.Lock()
	defer a.reqMu.Unlock()
	if a.requested == ServiceIDShort {
		a.logger.WithField("service_id", id).Warn("Short service id already set")
		return false
	}
	a.requested = ServiceIDLong
	a.commit(func(c *ActivityConfig) { c.ServiceID = sid })
	return true
}

// ClearServiceID removes the service identifier from the payload.
func (a *App) ClearServiceID() bool {
	a.reqMu.Lock()
	defer a.reqMu.Unlock()
	a.requested = ServiceIDNone
	a.commit(func(c *ActivityConfig) { c.ServiceID = ServiceID{} })
	return true
}

// SetAdvertisingDuration bounds each advertising round. Zero advertises
// until stopped. Applies from the next advertising start.
func (a *App) SetAdvertisingDuration(d time.Duration) bool {
	if d < 0 {
		return false
	}
	a.commit(func(c *ActivityConfig) { c.AdvertisingDuration = d })
	return true
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Status returns the last published status.
func (a *App) Status() Status {
	return *a.status.Load()
}

func (a *App) publishStatus() {
	m := a.activity
	advertising := a.stack.IsInitialized() && a.stack.Gap().IsAdvertisingActive()
	st := &Status{
		State:       deriveState(m.connected, m.connecting, m.scanning, advertising),
		Advertising: advertising,
		Scanning:    m.scanning,
		Config:      a.committed().View(),
	}
	if m.connected || m.connecting {
		peer := m.peer
		st.Peer = &peer
	}
	if m.connected {
		st.Handle = m.handle
	}
	a.status.Store(st)
}

// ---------------------------------------------------------------------------
// GATT server passthrough
// ---------------------------------------------------------------------------

// AddService queues the registration of svc with the GATT server. done, if
// not nil, receives the service with its value handles assigned.
func (a *App) AddService(svc stack.Service, done func(stack.Service, error)) bool {
	cp := copyService(svc)
	return a.queue.Call(func() {
		err := a.stack.GattServer().AddService(&cp)
		if err != nil {
			a.logStackError("AddService", err)
		} else {
			a.logger.WithField("uuid", cp.UUID).Info("GATT service added")
		}
		if done != nil {
			done(cp, err)
		}
	})
}

// UpdateCharacteristicValue queues a value update of a local characteristic.
func (a *App) UpdateCharacteristicValue(handle stack.AttributeHandle, value []byte) bool {
	v := append([]byte(nil), value...)
	return a.queue.Call(func() {
		if err := a.stack.GattServer().UpdateValue(handle, v); err != nil {
			a.logStackError("UpdateValue", err)
		}
	})
}

func copyService(svc stack.Service) stack.Service {
	cp := stack.Service{UUID: svc.UUID}
	for _, c := range svc.Characteristics {
		cc := *c
		cc.Value = append([]byte(nil), c.Value...)
		cp.Characteristics = append(cp.Characteristics, &cc)
	}
	return cp
}
