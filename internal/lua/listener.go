package lua

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/stack"
)

// Hook names, one global function per event kind.
const (
	HookConnect           = "on_connect"
	HookDisconnect        = "on_disconnect"
	HookAdvertisingReport = "on_advertising_report"
	HookScanTimeout       = "on_scan_timeout"
	HookAdvertisingEnd    = "on_advertising_end"
	HookWrite             = "on_write"
	HookRead              = "on_read"
	HookUpdatesEnabled    = "on_updates_enabled"
	HookUpdatesDisabled   = "on_updates_disabled"
	HookMTUChange         = "on_mtu_change"
)

// Listener forwards events of both roles to the script hooks. Each hook
// receives a table with the event fields and a kind field. Undefined hooks
// are skipped.
type Listener struct {
	engine *Engine
	logger *logrus.Logger
}

var (
	_ stack.GapEventHandler        = (*Listener)(nil)
	_ stack.GattServerEventHandler = (*Listener)(nil)
)

// NewListener creates a listener calling into e.
func NewListener(e *Engine) *Listener {
	return &Listener{engine: e, logger: e.logger}
}

func (l *Listener) call(hook string, ev stack.Event) {
	args := stack.Fields(ev)
	args["kind"] = string(ev.Kind())
	called, err := l.engine.Call(hook, args)
	if err != nil {
		l.logger.WithError(err).WithField("hook", hook).Warn("Lua hook failed")
		return
	}
	if called {
		l.logger.WithField("hook", hook).Debug("Lua hook called")
	}
}

func (l *Listener) OnConnectionComplete(e stack.ConnectionCompleteEvent) { l.call(HookConnect, e) }
func (l *Listener) OnDisconnectionComplete(e stack.DisconnectionCompleteEvent) {
	l.call(HookDisconnect, e)
}
func (l *Listener) OnAdvertisingEnd(e stack.AdvertisingEndEvent)       { l.call(HookAdvertisingEnd, e) }
func (l *Listener) OnScanTimeout(e stack.ScanTimeoutEvent)             { l.call(HookScanTimeout, e) }
func (l *Listener) OnAdvertisingReport(e stack.AdvertisingReportEvent) { l.call(HookAdvertisingReport, e) }
func (l *Listener) OnDataWritten(e stack.WriteEvent)                   { l.call(HookWrite, e) }
func (l *Listener) OnDataRead(e stack.ReadEvent)                       { l.call(HookRead, e) }
func (l *Listener) OnUpdatesEnabled(e stack.UpdatesEnabledEvent)       { l.call(HookUpdatesEnabled, e) }
func (l *Listener) OnUpdatesDisabled(e stack.UpdatesDisabledEvent)     { l.call(HookUpdatesDisabled, e) }
func (l *Listener) OnAttMtuChange(e stack.MTUChangeEvent)              { l.call(HookMTUChange, e) }
