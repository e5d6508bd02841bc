package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/srg/bleapp/internal/stack"
	"golang.org/x/term"
)

var kindColors = map[stack.EventKind]color.Attribute{
	stack.KindConnectionComplete:    color.FgGreen,
	stack.KindDisconnectionComplete: color.FgRed,
	stack.KindAdvertisingEnd:        color.FgYellow,
	stack.KindScanTimeout:           color.FgYellow,
	stack.KindAdvertisingReport:     color.FgCyan,
	stack.KindWrite:                 color.FgMagenta,
	stack.KindRead:                  color.FgBlue,
	stack.KindUpdatesEnabled:        color.FgBlue,
	stack.KindUpdatesDisabled:       color.FgBlue,
	stack.KindMTUChange:             color.FgWhite,
}

// EventPrinter writes one line per event to the console.
type EventPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	colors bool
	now    func() time.Time
}

var (
	_ stack.GapEventHandler        = (*EventPrinter)(nil)
	_ stack.GattServerEventHandler = (*EventPrinter)(nil)
)

// NewEventPrinter creates a printer writing to w.
func NewEventPrinter(w io.Writer, colors bool) *EventPrinter {
	return &EventPrinter{w: w, colors: colors, now: time.Now}
}

// colorEnabled reports whether w is a terminal that should get colors.
func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || color.NoColor {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Print writes ev as "15:04:05.000 kind key=value ...", keys sorted.
func (p *EventPrinter) Print(ev stack.Event) {
	fields := stack.Fields(ev)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(p.now().Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(p.paint(ev.Kind()))
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	b.WriteByte('\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, b.String())
}

func (p *EventPrinter) paint(kind stack.EventKind) string {
	c := color.New(kindColors[kind], color.Bold)
	if p.colors {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(string(kind))
}

func (p *EventPrinter) OnConnectionComplete(e stack.ConnectionCompleteEvent)       { p.Print(e) }
func (p *EventPrinter) OnDisconnectionComplete(e stack.DisconnectionCompleteEvent) { p.Print(e) }
func (p *EventPrinter) OnAdvertisingEnd(e stack.AdvertisingEndEvent)               { p.Print(e) }
func (p *EventPrinter) OnScanTimeout(e stack.ScanTimeoutEvent)                     { p.Print(e) }
func (p *EventPrinter) OnAdvertisingReport(e stack.AdvertisingReportEvent)         { p.Print(e) }
func (p *EventPrinter) OnDataWritten(e stack.WriteEvent)                           { p.Print(e) }
func (p *EventPrinter) OnDataRead(e stack.ReadEvent)                               { p.Print(e) }
func (p *EventPrinter) OnUpdatesEnabled(e stack.UpdatesEnabledEvent)               { p.Print(e) }
func (p *EventPrinter) OnUpdatesDisabled(e stack.UpdatesDisabledEvent)             { p.Print(e) }
func (p *EventPrinter) OnAttMtuChange(e stack.MTUChangeEvent)                      { p.Print(e) }

// status prints a colored one-word verdict.
func status(w io.Writer, colors, ok bool, msg string) {
	c := color.New(color.FgGreen, color.Bold)
	word := "PASS"
	if !ok {
		c = color.New(color.FgRed, color.Bold)
		word = "FAIL"
	}
	if colors {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	fmt.Fprintf(w, "%s %s\n", c.Sprint(word), msg)
}
