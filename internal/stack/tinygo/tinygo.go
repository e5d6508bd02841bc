// Package tinygo runs the stack abstraction on top of tinygo.org/x/bluetooth.
//
// The library has no bounded advertising or scanning, so durations are
// enforced with timers that stop the activity and post the matching event.
// It reports neither reads nor subscriptions of the local GATT server, and
// hides whether an advertiser accepts connections; reports are treated as
// connectable.
package tinygo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/advdata"
	"github.com/srg/bleapp/internal/groutine"
	"github.com/srg/bleapp/internal/stack"
)

const reasonRemoteTerminated = 0x13

// Option configures a Stack.
type Option func(*Stack)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Stack) { s.logger = logger }
}

// WithRadio replaces the host adapter.
func WithRadio(r Radio) Option {
	return func(s *Stack) { s.radio = r }
}

// Stack is the tinygo bluetooth backend.
type Stack struct {
	stack.EventBuffer

	logger *logrus.Logger
	radio  Radio

	mu          sync.Mutex
	group       *groutine.Group
	initialized bool
	initPending bool

	advParams   stack.AdvertisingParameters
	payload     []byte
	advertising bool
	advTimer    *time.Timer
	advGen      uint64

	scanning  bool
	scanTimer *time.Timer
	scanGen   uint64

	dialing    map[string]bool
	nextHandle stack.ConnectionHandle
	links      map[string]stack.ConnectionHandle
	known      map[stack.Address]string

	alloc    stack.HandleAllocator
	values   map[stack.AttributeHandle][]byte
	updaters map[stack.AttributeHandle]Updater
}

var (
	_ stack.Stack      = (*Stack)(nil)
	_ stack.Gap        = (*Stack)(nil)
	_ stack.GattServer = (*Stack)(nil)
)

// New creates a stack on the default host adapter unless WithRadio is given.
func New(opts ...Option) *Stack {
	s := &Stack{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetLevel(logrus.PanicLevel)
	}
	if s.radio == nil {
		s.radio = NewRadio()
	}
	s.resetLocked()
	return s
}

func (s *Stack) resetLocked() {
	s.advertising = false
	s.scanning = false
	s.payload = nil
	s.dialing = make(map[string]bool)
	s.links = make(map[string]stack.ConnectionHandle)
	s.known = make(map[stack.Address]string)
	s.values = make(map[stack.AttributeHandle][]byte)
	s.updaters = make(map[stack.AttributeHandle]Updater)
	s.alloc = stack.HandleAllocator{}
}

// Gap implements stack.Stack.
func (s *Stack) Gap() stack.Gap { return s }

// GattServer implements stack.Stack.
func (s *Stack) GattServer() stack.GattServer { return s }

// Init enables the adapter on a background goroutine.
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
	group.Go("tinygo-init", func(context.Context) {
		err := s.radio.Enable()

		s.mu.Lock()
		s.initPending = false
		s.initialized = err == nil
		s.mu.Unlock()

		if err != nil {
			s.logger.WithError(err).Error("Failed to enable BLE adapter")
			s.PostInitComplete(stack.WrapError("Init", stack.CodeInternalStackFailure, err))
			return
		}
		s.radio.SetConnectHandler(s.onConnectChange)
		s.logger.Debug("BLE adapter enabled")
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

// Shutdown stops advertising and scanning. The adapter itself stays enabled.
func (s *Stack) Shutdown() error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return stack.NewError("Shutdown", stack.CodeInitializationIncomplete)
	}
	advertising, scanning := s.advertising, s.scanning
	s.stopTimersLocked()
	s.initialized = false
	s.resetLocked()
	group := s.group
	s.mu.Unlock()

	if advertising {
		if err := s.radio.StopAdvertising(); err != nil {
			s.logger.WithError(err).Warn("Failed to stop advertising on shutdown")
		}
	}
	if scanning {
		if err := s.radio.StopScan(); err != nil {
			s.logger.WithError(err).Warn("Failed to stop scanning on shutdown")
		}
	}
	group.Stop()
	return nil
}

func (s *Stack) stopTimersLocked() {
	if s.advTimer != nil {
		s.advTimer.Stop()
		s.advTimer = nil
	}
	if s.scanTimer != nil {
		s.scanTimer.Stop()
		s.scanTimer = nil
	}
}

func (s *Stack) ready(op string) error {
	if !s.initialized {
		return stack.NewError(op, stack.CodeInitializationIncomplete)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Advertising
// ---------------------------------------------------------------------------

// SetAdvertisingParameters implements stack.Gap.
func (s *Stack) SetAdvertisingParameters(p stack.AdvertisingParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready("SetAdvertisingParameters"); err != nil {
		return err
	}
	if p.Interval <= 0 {
		return stack.NewError("SetAdvertisingParameters", stack.CodeParamOutOfRange)
	}
	s.advParams = p
	return nil
}

// SetAdvertisingPayload implements stack.Gap.
func (s *Stack) SetAdvertisingPayload(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready("SetAdvertisingPayload"); err != nil {
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

// StartAdvertising implements stack.Gap.
func (s *Stack) StartAdvertising(duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready("StartAdvertising"); err != nil {
		return err
	}
	if s.advertising {
		return stack.NewError("StartAdvertising", stack.CodeInvalidState)
	}
	opts, err := s.advertisingOptionsLocked()
	if err != nil {
		return stack.WrapError("StartAdvertising", stack.CodeInvalidParam, err)
	}
	if err := s.radio.Advertise(opts); err != nil {
		return stack.WrapError("StartAdvertising", stack.CodeInternalStackFailure, err)
	}
	s.advertising = true
	s.advGen++
	gen := s.advGen
	if duration > 0 {
		s.advTimer = time.AfterFunc(duration, func() { s.expireAdvertising(gen) })
	}
	return nil
}

func (s *Stack) advertisingOptionsLocked() (AdvertisingOptions, error) {
	f, err := advdata.Decode(s.payload)
	if err != nil {
		return AdvertisingOptions{}, err
	}
	opts := AdvertisingOptions{
		LocalName:    f.CompleteName,
		Service16:    f.Services16,
		Interval:     s.advParams.Interval,
		Manufacturer: f.ManufacturerData,
	}
	for _, u := range f.Services128 {
		opts.Service128 = append(opts.Service128, u.String())
	}
	return opts, nil
}

func (s *Stack) expireAdvertising(gen uint64) {
	s.mu.Lock()
	active := s.advertising && s.advGen == gen
	if active {
		s.advertising = false
		s.advTimer = nil
	}
	s.mu.Unlock()
	if !active {
		return
	}
	if err := s.radio.StopAdvertising(); err != nil {
		s.logger.WithError(err).Warn("Failed to stop advertising")
	}
	s.Post(stack.AdvertisingEndEvent{})
}

// StopAdvertising implements stack.Gap.
func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready("StopAdvertising"); err != nil {
		return err
	}
	if s.advTimer != nil {
		s.advTimer.Stop()
		s.advTimer = nil
	}
	s.advertising = false
	if err := s.radio.StopAdvertising(); err != nil {
		return stack.WrapError("StopAdvertising", stack.CodeInternalStackFailure, err)
	}
	return nil
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

// SetScanParameters is accepted and ignored; the library scans with its
// own timing.
func (s *Stack) SetScanParameters(p stack.ScanParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready("SetScanParameters"); err != nil {
		return err
	}
	if p.Window > p.Interval || p.Interval == 0 {
		return stack.NewError("SetScanParameters", stack.CodeInvalidParam)
	}
	return nil
}

// StartScan implements stack.Gap.
func (s *Stack) StartScan(duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready("StartScan"); err != nil {
		return err
	}
	if s.scanning {
		return stack.NewError("StartScan", stack.CodeInvalidState)
	}
	s.scanning = true
	s.scanGen++
	gen := s.scanGen
	if duration > 0 {
		s.scanTimer = time.AfterFunc(duration, func() { s.expireScan(gen) })
	}

	s.group.Go("tinygo-scan", func(context.Context) {
		err := s.radio.Scan(s.report)

		s.mu.Lock()
		current := s.scanning && s.scanGen == gen
		if current {
			s.scanning = false
			if s.scanTimer != nil {
				s.scanTimer.Stop()
				s.scanTimer = nil
			}
		}
		s.mu.Unlock()

		if current {
			s.logger.WithError(err).Warn("Scan ended unexpectedly")
			s.Post(stack.ScanTimeoutEvent{})
		}
	})
	return nil
}

func (s *Stack) expireScan(gen uint64) {
	s.mu.Lock()
	active := s.scanning && s.scanGen == gen
	if active {
		s.scanning = false
		s.scanTimer = nil
	}
	s.mu.Unlock()
	if !active {
		return
	}
	if err := s.radio.StopScan(); err != nil {
		s.logger.WithError(err).Warn("Failed to stop scanning")
	}
	s.Post(stack.ScanTimeoutEvent{})
}

func (s *Stack) report(r ScanResult) {
	addr, ok := stack.ParsePlatformAddress(r.Address)
	if !ok {
		return
	}
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return
	}
	s.known[addr] = r.Address
	s.mu.Unlock()

	payload := r.Payload
	if len(payload) == 0 {
		payload = encodeName(r.LocalName, s.logger)
	}
	s.Post(stack.AdvertisingReportEvent{
		Peer:        stack.PeerAddress{Type: stack.AddressPublic, Address: addr},
		Connectable: true,
		RSSI:        clampRSSI(r.RSSI),
		Payload:     append([]byte(nil), payload...),
	})
}

func encodeName(name string, log logrus.FieldLogger) []byte {
	if name == "" {
		return nil
	}
	p := advdata.NewPayload(advdata.MaxElementLength)
	if err := p.Append(advdata.CompleteName(name)); err != nil {
		log.WithField("name_len", len(name)).WithError(err).Debug("Dropping advertised name")
	}
	return p.Bytes()
}

func clampRSSI(v int16) int8 {
	switch {
	case v < -128:
		return -128
	case v > 127:
		return 127
	default:
		return int8(v)
	}
}

// StopScan implements stack.Gap.
func (s *Stack) StopScan() error {
	s.mu.Lock()
	if err := s.ready("StopScan"); err != nil {
		s.mu.Unlock()
		return err
	}
	wasScanning := s.scanning
	s.scanning = false
	if s.scanTimer != nil {
		s.scanTimer.Stop()
		s.scanTimer = nil
	}
	s.mu.Unlock()

	if !wasScanning {
		return nil
	}
	if err := s.radio.StopScan(); err != nil {
		return stack.WrapError("StopScan", stack.CodeInternalStackFailure, err)
	}
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

// Connect implements stack.Gap.
func (s *Stack) Connect(peer stack.PeerAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready("Connect"); err != nil {
		return err
	}
	if len(s.dialing) > 0 {
		return stack.NewError("Connect", stack.CodeStackBusy)
	}
	addr, ok := s.known[peer.Address]
	if !ok {
		addr = peer.Address.String()
	}
	s.dialing[addr] = true

	s.group.Go("tinygo-connect", func(context.Context) {
		_, err := s.radio.Connect(addr)

		s.mu.Lock()
		delete(s.dialing, addr)
		var h stack.ConnectionHandle
		if err == nil {
			h = s.openLinkLocked(addr)
		}
		s.mu.Unlock()

		if err != nil {
			s.Post(stack.ConnectionCompleteEvent{
				Err:  stack.WrapError("Connect", stack.CodeUnspecified, err),
				Peer: peer,
			})
			return
		}
		s.Post(stack.ConnectionCompleteEvent{Handle: h, Role: stack.RoleCentral, Peer: peer})
	})
	return nil
}

func (s *Stack) openLinkLocked(addr string) stack.ConnectionHandle {
	s.nextHandle++
	s.links[addr] = s.nextHandle
	return s.nextHandle
}

// onConnectChange handles the adapter's connect handler. Connections this
// stack did not dial are peripheral links.
func (s *Stack) onConnectChange(addr string, connected bool) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return
	}
	if !connected {
		h, ok := s.links[addr]
		delete(s.links, addr)
		s.mu.Unlock()
		if ok {
			s.Post(stack.DisconnectionCompleteEvent{Handle: h, Reason: reasonRemoteTerminated})
		}
		return
	}
	if _, ok := s.links[addr]; ok || s.dialing[addr] {
		s.mu.Unlock()
		return
	}
	h := s.openLinkLocked(addr)
	wasAdvertising := s.advertising
	s.advertising = false
	if s.advTimer != nil {
		s.advTimer.Stop()
		s.advTimer = nil
	}
	s.mu.Unlock()

	a, _ := stack.ParsePlatformAddress(addr)
	s.Post(stack.ConnectionCompleteEvent{
		Handle: h,
		Role:   stack.RolePeripheral,
		Peer:   stack.PeerAddress{Type: stack.AddressPublic, Address: a},
	})
	if wasAdvertising {
		s.Post(stack.AdvertisingEndEvent{Connected: true, Handle: h})
	}
}

// ---------------------------------------------------------------------------
// GATT server
// ---------------------------------------------------------------------------

// AddService implements stack.GattServer. Writes are reported; the library
// reports neither reads nor subscriptions.
func (s *Stack) AddService(svc *stack.Service) error {
	s.mu.Lock()
	if err := s.ready("AddService"); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, err := uuid.Parse(svc.UUID); err != nil && len(svc.UUID) != 4 {
		s.mu.Unlock()
		return stack.WrapError("AddService", stack.CodeInvalidParam, err)
	}
	s.alloc.Assign(svc)
	s.mu.Unlock()

	cfg := ServiceConfig{UUID: svc.UUID}
	for _, c := range svc.Characteristics {
		handle := c.Handle
		cfg.Characteristics = append(cfg.Characteristics, CharacteristicConfig{
			UUID:       c.UUID,
			Properties: c.Properties,
			Value:      append([]byte(nil), c.Value...),
			OnWrite: func(conn uint16, offset int, value []byte) {
				s.onWrite(stack.ConnectionHandle(conn), handle, offset, value)
			},
		})
	}
	updaters, err := s.radio.AddService(cfg)
	if err != nil {
		return stack.WrapError("AddService", stack.CodeInternalStackFailure, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range svc.Characteristics {
		s.values[c.Handle] = append([]byte(nil), c.Value...)
		if i < len(updaters) {
			s.updaters[c.Handle] = updaters[i]
		}
	}
	return nil
}

func (s *Stack) onWrite(conn stack.ConnectionHandle, handle stack.AttributeHandle, offset int, value []byte) {
	data := append([]byte(nil), value...)
	s.mu.Lock()
	if _, ok := s.values[handle]; ok {
		s.values[handle] = data
	}
	s.mu.Unlock()
	s.Post(stack.WriteEvent{Conn: conn, Handle: handle, Offset: uint16(offset), Data: data})
}

// UpdateValue implements stack.GattServer.
func (s *Stack) UpdateValue(handle stack.AttributeHandle, value []byte) error {
	s.mu.Lock()
	if err := s.ready("UpdateValue"); err != nil {
		s.mu.Unlock()
		return err
	}
	u, ok := s.updaters[handle]
	if !ok {
		s.mu.Unlock()
		return stack.NewError("UpdateValue", stack.CodeInvalidParam)
	}
	s.values[handle] = append([]byte(nil), value...)
	s.mu.Unlock()

	if _, err := u.Write(value); err != nil {
		return stack.WrapError("UpdateValue", stack.CodeInternalStackFailure, err)
	}
	return nil
}
