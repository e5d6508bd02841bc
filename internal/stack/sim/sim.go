// Package sim is an in-memory BLE stack. It records every command it
// receives, fails commands on request, and lets callers inject any event.
// Virtual peers and real timers make it usable as a standalone backend.
package sim

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/advdata"
	"github.com/srg/bleapp/internal/stack"
)

// Command names as they appear in the transcript.
const (
	OpInit                     = "Init"
	OpShutdown                 = "Shutdown"
	OpSetAdvertisingParameters = "SetAdvertisingParameters"
	OpSetAdvertisingPayload    = "SetAdvertisingPayload"
	OpStartAdvertising         = "StartAdvertising"
	OpStopAdvertising          = "StopAdvertising"
	OpSetScanParameters        = "SetScanParameters"
	OpStartScan                = "StartScan"
	OpStopScan                 = "StopScan"
	OpConnect                  = "Connect"
	OpAddService               = "AddService"
	OpUpdateValue              = "UpdateValue"
)

// Call is one recorded command.
type Call struct {
	Op   string
	Args string
}

func (c Call) String() string {
	if c.Args == "" {
		return c.Op
	}
	return c.Op + " " + c.Args
}

// Option configures a Stack.
type Option func(*Stack)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Stack) { s.logger = logger }
}

// WithAutoConnect makes a successful Connect complete the connection.
func WithAutoConnect(enabled bool) Option {
	return func(s *Stack) { s.autoConnect = enabled }
}

// WithTimers makes bounded advertising and scanning expire in real time.
func WithTimers(enabled bool) Option {
	return func(s *Stack) { s.timers = enabled }
}

// WithPeers adds virtual peers.
func WithPeers(peers ...Peer) Option {
	return func(s *Stack) { s.peers = append(s.peers, peers...) }
}

// WithInitError makes initialization complete with code.
func WithInitError(code stack.ErrorCode) Option {
	return func(s *Stack) { s.initErr = code }
}

// Stack is a simulated stack. It implements stack.Stack, stack.Gap and
// stack.GattServer.
type Stack struct {
	stack.EventBuffer

	mu          sync.Mutex
	logger      *logrus.Logger
	calls       []Call
	failNext    map[string]stack.ErrorCode
	initErr     stack.ErrorCode
	initialized bool

	autoConnect bool
	timers      bool
	peers       []Peer

	advParams   stack.AdvertisingParameters
	payload     []byte
	advertising bool
	advTimer    *time.Timer

	scanParams stack.ScanParameters
	scanning   bool
	scanTimer  *time.Timer

	nextHandle stack.ConnectionHandle
	links      map[stack.ConnectionHandle]stack.PeerAddress

	alloc  stack.HandleAllocator
	values map[stack.AttributeHandle][]byte
}

// New creates a simulated stack.
func New(opts ...Option) *Stack {
	s := &Stack{
		failNext: make(map[string]stack.ErrorCode),
		links:    make(map[stack.ConnectionHandle]stack.PeerAddress),
		values:   make(map[stack.AttributeHandle][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetLevel(logrus.PanicLevel)
	}
	return s
}

var (
	_ stack.Stack      = (*Stack)(nil)
	_ stack.Gap        = (*Stack)(nil)
	_ stack.GattServer = (*Stack)(nil)
)

// Gap implements stack.Stack.
func (s *Stack) Gap() stack.Gap { return s }

// GattServer implements stack.Stack.
func (s *Stack) GattServer() stack.GattServer { return s }

// FailNext makes the next call of op fail with code.
func (s *Stack) FailNext(op string, code stack.ErrorCode) {
	s.mu.Lock()
	s.failNext[op] = code
	s.mu.Unlock()
}

// Calls returns the recorded commands.
func (s *Stack) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Ops returns the names of the recorded commands.
func (s *Stack) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, len(s.calls))
	for i, c := range s.calls {
		ops[i] = c.Op
	}
	return ops
}

// Count returns how many times op was called.
func (s *Stack) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Transcript renders the recorded commands one per line.
func (s *Stack) Transcript() string {
	var sb strings.Builder
	for _, c := range s.Calls() {
		sb.WriteString(c.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ClearCalls forgets the recorded commands.
func (s *Stack) ClearCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// record logs a command and returns the injected failure, if any.
// Callers hold s.mu.
func (s *Stack) record(op, args string) error {
	s.calls = append(s.calls, Call{Op: op, Args: args})
	s.logger.WithField("op", op).Debug(strings.TrimSpace("sim: " + args))
	if code, ok := s.failNext[op]; ok {
		delete(s.failNext, op)
		return stack.NewError(op, code)
	}
	return nil
}

// Init implements stack.Stack.
func (s *Stack) Init(onComplete func(error)) error {
	s.mu.Lock()
	if err := s.record(OpInit, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.initialized {
		s.mu.Unlock()
		return stack.NewError(OpInit, stack.CodeAlreadyInitialized)
	}
	var result error
	if s.initErr != stack.CodeNone {
		result = stack.NewError(OpInit, s.initErr)
	} else {
		s.initialized = true
	}
	s.mu.Unlock()

	s.SetInitCallback(onComplete)
	s.PostInitComplete(result)
	return nil
}

// IsInitialized implements stack.Stack.
func (s *Stack) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Shutdown implements stack.Stack.
func (s *Stack) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpShutdown, ""); err != nil {
		return err
	}
	s.stopTimersLocked()
	s.initialized = false
	s.advertising = false
	s.scanning = false
	s.links = make(map[stack.ConnectionHandle]stack.PeerAddress)
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

// command records op and checks it may run. Callers hold s.mu.
func (s *Stack) command(op, args string) error {
	if err := s.record(op, args); err != nil {
		return err
	}
	if !s.initialized {
		return stack.NewError(op, stack.CodeInitializationIncomplete)
	}
	return nil
}

// SetAdvertisingParameters implements stack.Gap.
func (s *Stack) SetAdvertisingParameters(p stack.AdvertisingParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command(OpSetAdvertisingParameters, fmt.Sprintf("type=%s interval=%s", p.Type, p.Interval)); err != nil {
		return err
	}
	s.advParams = p
	return nil
}

// SetAdvertisingPayload implements stack.Gap.
func (s *Stack) SetAdvertisingPayload(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command(OpSetAdvertisingPayload, describePayload(payload)); err != nil {
		return err
	}
	s.payload = append([]byte(nil), payload...)
	return nil
}

func describePayload(payload []byte) string {
	f, err := advdata.Decode(payload)
	if err != nil {
		return fmt.Sprintf("len=%d malformed", len(payload))
	}
	args := []string{fmt.Sprintf("flags=0x%02x", f.Flags)}
	for _, u := range f.Services16 {
		args = append(args, fmt.Sprintf("service=0x%04x", u))
	}
	for _, u := range f.Services128 {
		args = append(args, "service="+u.String())
	}
	if f.CompleteName != "" {
		args = append(args, fmt.Sprintf("name=%q", f.CompleteName))
	}
	args = append(args, fmt.Sprintf("len=%d", len(payload)))
	return strings.Join(args, " ")
}

// Payload returns the last advertising payload set.
func (s *Stack) Payload() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.payload...)
}

// StartAdvertising implements stack.Gap.
func (s *Stack) StartAdvertising(duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command(OpStartAdvertising, "duration="+duration.String()); err != nil {
		return err
	}
	if s.advertising {
		return stack.NewError(OpStartAdvertising, stack.CodeInvalidState)
	}
	s.advertising = true
	if s.timers && duration > 0 {
		s.advTimer = time.AfterFunc(duration, s.expireAdvertising)
	}
	s.peersNoticeAdvertisingLocked()
	return nil
}

func (s *Stack) expireAdvertising() {
	s.mu.Lock()
	active := s.advertising
	s.advertising = false
	s.advTimer = nil
	s.mu.Unlock()
	if active {
		s.Post(stack.AdvertisingEndEvent{})
	}
}

// StopAdvertising implements stack.Gap.
func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command(OpStopAdvertising, ""); err != nil {
		return err
	}
	s.advertising = false
	if s.advTimer != nil {
		s.advTimer.Stop()
		s.advTimer = nil
	}
	return nil
}

// IsAdvertisingActive implements stack.Gap.
func (s *Stack) IsAdvertisingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// SetScanParameters implements stack.Gap.
func (s *Stack) SetScanParameters(p stack.ScanParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command(OpSetScanParameters, fmt.Sprintf("interval=%d window=%d type=%s", p.Interval, p.Window, p.Type)); err != nil {
		return err
	}
	s.scanParams = p
	return nil
}

// StartScan implements stack.Gap.
func (s *Stack) StartScan(duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command(OpStartScan, "duration="+duration.String()); err != nil {
		return err
	}
	s.scanning = true
	if s.timers && duration > 0 {
		s.scanTimer = time.AfterFunc(duration, s.expireScan)
	}
	s.peersAdvertiseLocked()
	return nil
}

func (s *Stack) expireScan() {
	s.mu.Lock()
	active := s.scanning
	s.scanning = false
	s.scanTimer = nil
	s.mu.Unlock()
	if active {
		s.Post(stack.ScanTimeoutEvent{})
	}
}

// StopScan implements stack.Gap.
func (s *Stack) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command(OpStopScan, ""); err != nil {
		return err
	}
	s.scanning = false
	if s.scanTimer != nil {
		s.scanTimer.Stop()
		s.scanTimer = nil
	}
	return nil
}

// IsScanning reports whether a scan is running.
func (s *Stack) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Connect implements stack.Gap.
func (s *Stack) Connect(peer stack.PeerAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command(OpConnect, "peer="+peer.String()); err != nil {
		return err
	}
	if s.autoConnect {
		h := s.openLinkLocked(peer)
		s.Post(stack.ConnectionCompleteEvent{Handle: h, Role: stack.RoleCentral, Peer: peer})
	}
	return nil
}

func (s *Stack) openLinkLocked(peer stack.PeerAddress) stack.ConnectionHandle {
	s.nextHandle++
	s.links[s.nextHandle] = peer
	return s.nextHandle
}

// Links returns the open connections.
func (s *Stack) Links() map[stack.ConnectionHandle]stack.PeerAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[stack.ConnectionHandle]stack.PeerAddress, len(s.links))
	for h, p := range s.links {
		out[h] = p
	}
	return out
}

// AddService implements stack.GattServer.
func (s *Stack) AddService(svc *stack.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command(OpAddService, fmt.Sprintf("uuid=%s characteristics=%d", svc.UUID, len(svc.Characteristics))); err != nil {
		return err
	}
	s.alloc.Assign(svc)
	for _, c := range svc.Characteristics {
		s.values[c.Handle] = append([]byte(nil), c.Value...)
	}
	return nil
}

// UpdateValue implements stack.GattServer.
func (s *Stack) UpdateValue(handle stack.AttributeHandle, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command(OpUpdateValue, fmt.Sprintf("handle=%d value=%x", handle, value)); err != nil {
		return err
	}
	if _, ok := s.values[handle]; !ok {
		return stack.NewError(OpUpdateValue, stack.CodeInvalidParam)
	}
	s.values[handle] = append([]byte(nil), value...)
	return nil
}

// Value returns the current value of a local characteristic.
func (s *Stack) Value(handle stack.AttributeHandle) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[handle]
	return append([]byte(nil), v...), ok
}
