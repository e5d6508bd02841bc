// Package goble runs the stack abstraction on top of go-ble.
//
// go-ble works with decoded advertisements and blocking calls. This backend
// drives each long-running call from a named goroutine and turns its outcome
// into stack events: a scan or advertising round that runs out of time posts
// the matching timeout event, a dial posts a connection outcome, and the
// first GATT request of an unknown client posts a peripheral connection.
package goble

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/advdata"
	"github.com/srg/bleapp/internal/groutine"
	"github.com/srg/bleapp/internal/stack"
)

const (
	// DefaultConnectTimeout bounds a connection attempt.
	DefaultConnectTimeout = 30 * time.Second

	// reasonRemoteTerminated is reported for links go-ble closes; it does
	// not expose the HCI reason.
	reasonRemoteTerminated = 0x13

	minAdvertisingInterval = 20 * time.Millisecond
	maxAdvertisingInterval = 10240 * time.Millisecond
	defaultATTMTU          = 23
)

// Device is the part of ble.Device the backend drives.
type Device interface {
	AddService(svc *ble.Service) error
	Stop() error
	AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
}

// DeviceFactory creates the platform device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Device, error) {
	return newDefaultDevice()
}

// Option configures a Stack.
type Option func(*Stack)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Stack) { s.logger = logger }
}

// WithConnectTimeout bounds connection attempts.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Stack) { s.connectTimeout = d }
}

// Stack is the go-ble backend.
type Stack struct {
	stack.EventBuffer

	logger         *logrus.Logger
	connectTimeout time.Duration

	mu          sync.Mutex
	dev         Device
	group       *groutine.Group
	initialized bool
	initPending bool

	advParams   stack.AdvertisingParameters
	payload     []byte
	advCancel   context.CancelFunc
	advertising bool

	scanParams stack.ScanParameters
	scanCancel context.CancelFunc
	scanning   bool

	connecting bool
	nextHandle stack.ConnectionHandle
	links      map[any]stack.ConnectionHandle
	known      map[stack.Address]ble.Addr

	alloc       stack.HandleAllocator
	values      map[stack.AttributeHandle][]byte
	subscribers map[stack.AttributeHandle]map[stack.ConnectionHandle]ble.Notifier
}

var (
	_ stack.Stack      = (*Stack)(nil)
	_ stack.Gap        = (*Stack)(nil)
	_ stack.GattServer = (*Stack)(nil)
)

// New creates a go-ble backed stack.
func New(opts ...Option) *Stack {
	s := &Stack{connectTimeout: DefaultConnectTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetLevel(logrus.PanicLevel)
	}
	s.resetLocked()
	return s
}

func (s *Stack) resetLocked() {
	s.advertising = false
	s.advCancel = nil
	s.scanning = false
	s.scanCancel = nil
	s.connecting = false
	s.payload = nil
	s.links = make(map[any]stack.ConnectionHandle)
	s.known = make(map[stack.Address]ble.Addr)
	s.values = make(map[stack.AttributeHandle][]byte)
	s.subscribers = make(map[stack.AttributeHandle]map[stack.ConnectionHandle]ble.Notifier)
	s.alloc = stack.HandleAllocator{}
}

// Gap implements stack.Stack.
func (s *Stack) Gap() stack.Gap { return s }

// GattServer implements stack.Stack.
func (s *Stack) GattServer() stack.GattServer { return s }

// Init opens the platform device on a background goroutine and reports the
// outcome through onComplete.
func (s *Stack) Init(onComplete func(error)) error {
	s.mu.Lock()
	if s.initialized || s.initPending {
		s.mu.Unlock()
		return stack.NewError("Init", stack.CodeAlreadyInitialized)
	}
	s.initPending = true
	s.group = groutine.NewGroup(context.Background())
	group := s.group
	s.mu.Unlock()

	s.SetInitCallback(onComplete)
	group.Go("ble-init", func(ctx context.Context) {
		dev, err := DeviceFactory()

		s.mu.Lock()
		s.initPending = false
		if err == nil {
			s.dev = dev
			s.initialized = true
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.WithError(err).Error("Failed to open BLE device")
			s.PostInitComplete(NormalizeError("Init", err))
			return
		}
		s.logger.Debug("BLE device opened")
		s.PostInitComplete(nil)
	})
	return nil
}

// IsInitialized implements stack.Stack.
func (s *Stack) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Shutdown stops every running activity and closes the device.
func (s *Stack) Shutdown() error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return stack.NewError("Shutdown", stack.CodeInitializationIncomplete)
	}
	dev, group := s.dev, s.group
	if s.advCancel != nil {
		s.advCancel()
	}
	if s.scanCancel != nil {
		s.scanCancel()
	}
	s.initialized = false
	s.dev = nil
	s.resetLocked()
	s.mu.Unlock()

	group.Stop()
	if err := dev.Stop(); err != nil {
		return NormalizeError("Shutdown", err)
	}
	return nil
}

// ready returns the device, or an error if the stack is not initialized.
// Callers hold s.mu.
func (s *Stack) ready(op string) (Device, error) {
	if !s.initialized {
		return nil, stack.NewError(op, stack.CodeInitializationIncomplete)
	}
	return s.dev, nil
}

// ---------------------------------------------------------------------------
// Advertising
// ---------------------------------------------------------------------------

// SetAdvertisingParameters stores the parameters. go-ble picks its own
// advertising type and interval; they are only validated and logged.
func (s *Stack) SetAdvertisingParameters(p stack.AdvertisingParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ready("SetAdvertisingParameters"); err != nil {
		return err
	}
	if p.Interval < minAdvertisingInterval || p.Interval > maxAdvertisingInterval {
		return stack.NewError("SetAdvertisingParameters", stack.CodeParamOutOfRange)
	}
	s.advParams = p
	s.logger.WithFields(logrus.Fields{"type": p.Type.String(), "interval": p.Interval}).
		Debug("Advertising parameters stored; go-ble uses its defaults")
	return nil
}

// SetAdvertisingPayload implements stack.Gap.
func (s *Stack) SetAdvertisingPayload(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ready("SetAdvertisingPayload"); err != nil {
		return err
	}
	if len(payload) > advdata.MaxAdvertisingPayloadSize {
		return stack.NewError("SetAdvertisingPayload", stack.CodeBufferOverflow)
	}
	if _, err := advdata.Decode(payload); err != nil {
		return stack.WrapError("SetAdvertisingPayload", stack.CodeInvalidParam, err)
	}
	s.payload = append([]byte(nil), payload...)
	return nil
}

// StartAdvertising advertises the name and services of the payload for
// duration, or until stopped if duration is zero.
func (s *Stack) StartAdvertising(duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, err := s.ready("StartAdvertising")
	if err != nil {
		return err
	}
	if s.advertising {
		return stack.NewError("StartAdvertising", stack.CodeInvalidState)
	}
	f, err := advdata.Decode(s.payload)
	if err != nil {
		return stack.WrapError("StartAdvertising", stack.CodeInvalidParam, err)
	}

	ctx, cancel := withOptionalTimeout(s.group.Context(), duration)
	s.advertising = true
	s.advCancel = cancel
	uuids := advertisedUUIDs(f)

	s.group.Go("ble-advertise", func(context.Context) {
		err := dev.AdvertiseNameAndServices(ctx, f.CompleteName, uuids...)
		expired := errors.Is(ctx.Err(), context.DeadlineExceeded)
		stopped := errors.Is(ctx.Err(), context.Canceled)
		cancel()

		s.mu.Lock()
		current := s.advertising && !stopped
		if current {
			s.advertising = false
			s.advCancel = nil
		}
		s.mu.Unlock()

		switch {
		case !current:
		case expired:
			s.logger.Debug("Advertising duration elapsed")
			s.Post(stack.AdvertisingEndEvent{})
		default:
			s.logger.WithError(err).Warn("Advertising ended unexpectedly")
			s.Post(stack.AdvertisingEndEvent{})
		}
	})
	return nil
}

// StopAdvertising implements stack.Gap.
func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ready("StopAdvertising"); err != nil {
		return err
	}
	s.stopAdvertisingLocked()
	return nil
}

func (s *Stack) stopAdvertisingLocked() {
	if s.advCancel != nil {
		s.advCancel()
		s.advCancel = nil
	}
	s.advertising = false
}

// IsAdvertisingActive implements stack.Gap.
func (s *Stack) IsAdvertisingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// ---------------------------------------------------------------------------
// Scanning
// ---------------------------------------------------------------------------

// SetScanParameters stores the parameters. go-ble scans with its own
// interval and window.
func (s *Stack) SetScanParameters(p stack.ScanParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ready("SetScanParameters"); err != nil {
		return err
	}
	if p.Window > p.Interval || p.Interval == 0 {
		return stack.NewError("SetScanParameters", stack.CodeInvalidParam)
	}
	s.scanParams = p
	s.logger.WithFields(logrus.Fields{
		"interval": p.IntervalDuration(),
		"window":   p.WindowDuration(),
		"type":     p.Type.String(),
	}).Debug("Scan parameters stored; go-ble uses its defaults")
	return nil
}

// StartScan reports every advertisement received for duration, or until
// stopped if duration is zero.
func (s *Stack) StartScan(duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, err := s.ready("StartScan")
	if err != nil {
		return err
	}
	if s.scanning {
		return stack.NewError("StartScan", stack.CodeInvalidState)
	}

	ctx, cancel := withOptionalTimeout(s.group.Context(), duration)
	s.scanning = true
	s.scanCancel = cancel

	s.group.Go("ble-scan", func(context.Context) {
		err := dev.Scan(ctx, true, func(a ble.Advertisement) {
			s.report(a)
		})
		expired := errors.Is(ctx.Err(), context.DeadlineExceeded)
		stopped := errors.Is(ctx.Err(), context.Canceled)
		cancel()

		s.mu.Lock()
		current := s.scanning && !stopped
		if current {
			s.scanning = false
			s.scanCancel = nil
		}
		s.mu.Unlock()

		switch {
		case !current:
		case expired:
			s.logger.Debug("Scan duration elapsed")
			s.Post(stack.ScanTimeoutEvent{})
		default:
			s.logger.WithError(err).Warn("Scan ended unexpectedly")
			s.Post(stack.ScanTimeoutEvent{})
		}
	})
	return nil
}

func (s *Stack) report(a advertisement) {
	addr, ok := decodeAddress(a.Addr())
	if !ok {
		s.logger.WithField("addr", a.Addr()).Debug("Skipping advertisement with unknown address")
		return
	}
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return
	}
	s.known[addr] = a.Addr()
	s.mu.Unlock()

	rssi := a.RSSI()
	if rssi < -128 {
		rssi = -128
	}
	s.Post(stack.AdvertisingReportEvent{
		Peer:        stack.PeerAddress{Type: stack.AddressPublic, Address: addr},
		Connectable: a.Connectable(),
		RSSI:        int8(rssi),
		Payload:     reportPayload(a, s.logger),
	})
}

// StopScan implements stack.Gap.
func (s *Stack) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ready("StopScan"); err != nil {
		return err
	}
	if s.scanCancel != nil {
		s.scanCancel()
		s.scanCancel = nil
	}
	s.scanning = false
	return nil
}

// IsScanning reports whether a scan is running.
func (s *Stack) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// ---------------------------------------------------------------------------
// Connections
// ---------------------------------------------------------------------------

// Connect dials peer on a background goroutine. The outcome arrives as a
// connection complete event.
func (s *Stack) Connect(peer stack.PeerAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, err := s.ready("Connect")
	if err != nil {
		return err
	}
	if s.connecting {
		return stack.NewError("Connect", stack.CodeStackBusy)
	}
	addr, ok := s.known[peer.Address]
	if !ok {
		addr = ble.NewAddr(peer.Address.String())
	}
	s.connecting = true
	timeout := s.connectTimeout

	s.group.Go("ble-connect", func(gctx context.Context) {
		ctx, cancel := context.WithTimeout(gctx, timeout)
		defer cancel()
		client, err := dev.Dial(ctx, addr)

		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()

		if err != nil {
			s.logger.WithError(err).WithField("peer", peer.String()).Debug("Dial failed")
			s.Post(stack.ConnectionCompleteEvent{Err: NormalizeError("Connect", err), Peer: peer})
			return
		}
		h := s.openLink(client)
		s.Post(stack.ConnectionCompleteEvent{Handle: h, Role: stack.RoleCentral, Peer: peer})
		s.watchLink(client, client.Disconnected(), h)
	})
	return nil
}

func (s *Stack) openLink(key any) stack.ConnectionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLinkLocked(key)
}

func (s *Stack) openLinkLocked(key any) stack.ConnectionHandle {
	s.nextHandle++
	s.links[key] = s.nextHandle
	return s.nextHandle
}

// watchLink posts the disconnection of h once done is closed.
func (s *Stack) watchLink(key any, done <-chan struct{}, h stack.ConnectionHandle) {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group == nil {
		return
	}
	group.Go("ble-link", func(ctx context.Context) {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		delete(s.links, key)
		for _, subs := range s.subscribers {
			delete(subs, h)
		}
		s.mu.Unlock()
		s.Post(stack.DisconnectionCompleteEvent{Handle: h, Reason: reasonRemoteTerminated})
	})
}

func withOptionalTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(parent, d)
	}
	return context.WithCancel(parent)
}
