package scenario

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/stack"
	"github.com/srg/bleapp/internal/stack/sim"
	"github.com/srg/bleapp/pkg/bleapp"
)

const (
	reasonRemoteTerminated = 0x13

	settleTimeout = 2 * time.Second
)

// Listener receives the events of both roles.
type Listener interface {
	stack.GapEventHandler
	stack.GattServerEventHandler
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger of the runner, the app and the stack.
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithListener registers l with the app before it starts.
func WithListener(l Listener) Option {
	return func(r *Runner) { r.listeners = append(r.listeners, l) }
}

// WithAppOptions adds application options, applied after the scenario settings.
func WithAppOptions(opts ...bleapp.Option) Option {
	return func(r *Runner) { r.appOpts = append(r.appOpts, opts...) }
}

// Result is the outcome of a run.
type Result struct {
	Name       string
	Transcript string
	Failures   []string
	Status     bleapp.Status
}

// Passed reports whether every expectation held.
func (r *Result) Passed() bool { return len(r.Failures) == 0 }

// Runner plays a scenario against an App on a simulated stack.
type Runner struct {
	sc        *Scenario
	logger    *logrus.Logger
	listeners []Listener
	appOpts   []bleapp.Option

	stack *sim.Stack
	app   *bleapp.App
	res   *Result
}

// NewRunner prepares a run of sc.
func NewRunner(sc *Scenario, opts ...Option) *Runner {
	r := &Runner{sc: sc}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logrus.New()
		r.logger.SetLevel(logrus.PanicLevel)
	}

	simOpts := []sim.Option{
		sim.WithLogger(r.logger),
		sim.WithAutoConnect(sc.Settings.AutoConnect),
		sim.WithTimers(sc.Settings.Timers),
		sim.WithPeers(sc.Peers...),
	}
	if code, ok := stack.ParseErrorCode(sc.Settings.InitError); ok && code != stack.CodeNone {
		simOpts = append(simOpts, sim.WithInitError(code))
	}
	r.stack = sim.New(simOpts...)

	appOpts := []bleapp.Option{bleapp.WithLogger(r.logger)}
	if d := sc.Settings.AdvertisingDuration; d != nil {
		appOpts = append(appOpts, bleapp.WithAdvertisingDuration(*d))
	}
	if d := sc.Settings.ScanDuration; d != nil {
		appOpts = append(appOpts, bleapp.WithScanDuration(*d))
	}
	r.app = bleapp.New(r.stack, append(appOpts, r.appOpts...)...)
	return r
}

// Stack returns the simulated stack of the run.
func (r *Runner) Stack() *sim.Stack { return r.stack }

// App returns the application of the run.
func (r *Runner) App() *bleapp.App { return r.app }

// Run starts the app, plays every step and stops the app. Failed
// expectations are collected in the result; the error reports a run that
// could not be carried out.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.res = &Result{Name: r.sc.Name}
	for _, l := range r.listeners {
		r.app.AddGapEventHandler(l)
		r.app.AddGattServerEventHandler(l)
	}

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- r.app.Start(func(a *bleapp.App) {
			r.applySettings(a)
			close(ready)
		})
	}()

	select {
	case <-ready:
	case err := <-done:
		r.res.Transcript = r.stack.Transcript()
		if err == nil {
			err = fmt.Errorf("application stopped before initialization")
		}
		return r.res, err
	case <-ctx.Done():
		r.app.Stop()
		<-done
		return r.res, ctx.Err()
	}

	runErr := r.settle()
	for i, st := range r.sc.Steps {
		if runErr != nil {
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		r.logger.WithFields(logrus.Fields{"step": i + 1, "action": st.Action}).Debug("Scenario step")
		if err := r.play(ctx, i+1, st); err != nil {
			runErr = err
			break
		}
		if err := r.settle(); err != nil {
			runErr = err
		}
	}

	r.res.Status = r.app.Status()
	r.res.Transcript = r.stack.Transcript()
	if want := strings.TrimSpace(r.sc.ExpectedTranscript); want != "" && want != strings.TrimSpace(r.res.Transcript) {
		r.failf("transcript mismatch:\n--- expected\n%s\n--- actual\n%s", want, r.res.Transcript)
	}

	r.app.Stop()
	select {
	case err := <-done:
		if err != nil && runErr == nil {
			runErr = err
		}
	case <-time.After(settleTimeout):
		if runErr == nil {
			runErr = fmt.Errorf("application did not stop")
		}
	}
	return r.res, runErr
}

func (r *Runner) failf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.logger.Warn(msg)
	r.res.Failures = append(r.res.Failures, msg)
}

func (r *Runner) applySettings(a *bleapp.App) {
	s := r.sc.Settings
	if s.ServiceIDShort != 0 {
		a.SetServiceIDShort(s.ServiceIDShort)
	}
	if s.ServiceIDLong != "" && !a.SetServiceIDLong(s.ServiceIDLong) {
		r.failf("settings: service_id_long %q rejected", s.ServiceIDLong)
	}
	if s.AdvertisingName != "" {
		a.SetAdvertisingName(s.AdvertisingName)
	}
	if s.TargetName != "" {
		a.SetTargetName(s.TargetName)
	}
}

// settle waits until neither the queue nor the stack has pending work.
func (r *Runner) settle() error {
	deadline := time.Now().Add(settleTimeout)
	for time.Now().Before(deadline) {
		marker := make(chan struct{})
		r.app.Queue().Call(func() { close(marker) })
		select {
		case <-marker:
		case <-time.After(time.Until(deadline)):
			return fmt.Errorf("application queue did not drain")
		}
		if r.app.Queue().Pending() == 0 && r.stack.Pending() == 0 {
			return nil
		}
	}
	return fmt.Errorf("application did not settle")
}

func (r *Runner) handle(st Step) stack.ConnectionHandle {
	if st.Handle != 0 {
		return st.Handle
	}
	return r.app.Status().Handle
}

func (r *Runner) play(ctx context.Context, n int, st Step) error {
	switch st.Action {
	case ActionSetAdvertisingName:
		r.expectAccepted(n, st, r.app.SetAdvertisingName(st.Value))
	case ActionSetTargetName:
		r.expectAccepted(n, st, r.app.SetTargetName(st.Value))
	case ActionSetServiceIDShort:
		id, err := parseShort(st.Value)
		if err != nil {
			return fmt.Errorf("step %d: %w", n, err)
		}
		r.expectAccepted(n, st, r.app.SetServiceIDShort(id))
	case ActionSetServiceIDLong:
		r.expectAccepted(n, st, r.app.SetServiceIDLong(st.Value))
	case ActionClearServiceID:
		r.app.ClearServiceID()
	case ActionSetAdvDuration:
		r.expectAccepted(n, st, r.app.SetAdvertisingDuration(st.Duration))

	case ActionInjectReport:
		peer := sim.Peer{
			Name:           st.Name,
			Address:        st.Peer,
			AddressType:    st.AddressType,
			RSSI:           st.RSSI,
			NonConnectable: st.Connectable != nil && !*st.Connectable,
			Service16:      st.Service16,
		}
		ev, err := peer.Report()
		if err != nil {
			return fmt.Errorf("step %d: %w", n, err)
		}
		r.stack.InjectAdvertisingReport(ev)
	case ActionInjectConnection:
		ev := stack.ConnectionCompleteEvent{
			Handle: st.Handle,
			Peer:   stack.PeerAddress{Type: st.AddressType, Address: st.Peer},
		}
		if st.Role == stack.RolePeripheral.String() {
			ev.Role = stack.RolePeripheral
		}
		if code, ok := stack.ParseErrorCode(st.Code); ok && code != stack.CodeNone {
			ev.Err = stack.NewError("Connect", code)
		}
		r.stack.InjectConnectionComplete(ev)
	case ActionInjectDisconnection:
		reason := uint8(reasonRemoteTerminated)
		if st.Reason != nil {
			reason = *st.Reason
		}
		r.stack.InjectDisconnection(r.handle(st), reason)
	case ActionInjectScanTimeout:
		r.stack.InjectScanTimeout()
	case ActionInjectAdvEnd:
		r.stack.InjectAdvertisingEnd()
	case ActionInjectWrite:
		data, err := hex.DecodeString(st.Data)
		if err != nil {
			return fmt.Errorf("step %d: invalid data: %w", n, err)
		}
		r.stack.InjectWrite(stack.WriteEvent{Conn: r.handle(st), Handle: st.Attribute, Data: data})
	case ActionInjectRead:
		r.stack.InjectRead(r.handle(st), st.Attribute)
	case ActionInjectSubscribe:
		r.stack.InjectUpdatesEnabled(r.handle(st), st.Attribute)
	case ActionInjectUnsubscribe:
		r.stack.InjectUpdatesDisabled(r.handle(st), st.Attribute)
	case ActionInjectMTU:
		r.stack.InjectMTUChange(r.handle(st), st.MTU)

	case ActionFailNext:
		code, _ := stack.ParseErrorCode(st.Code)
		r.stack.FailNext(st.Op, code)
	case ActionWait:
		select {
		case <-time.After(st.Duration):
		case <-ctx.Done():
			return ctx.Err()
		}
	case ActionExpectState:
		if got := r.app.Status().State.String(); got != st.Value {
			r.failf("step %d: expected state %s, got %s", n, st.Value, got)
		}
	case ActionExpectCalls:
		if got := r.stack.Count(st.Op); got != *st.Count {
			r.failf("step %d: expected %d %s calls, got %d", n, *st.Count, st.Op, got)
		}
	default:
		return fmt.Errorf("step %d: unknown action %q", n, st.Action)
	}
	return nil
}

func (r *Runner) expectAccepted(n int, st Step, accepted bool) {
	switch {
	case st.Rejected && accepted:
		r.failf("step %d: %s %q accepted, expected a rejection", n, st.Action, st.Value)
	case !st.Rejected && !accepted:
		r.failf("step %d: %s %q rejected", n, st.Action, st.Value)
	}
}

func parseShort(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid short service id %q: %w", s, err)
	}
	return uint16(v), nil
}
