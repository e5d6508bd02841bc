package lua

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

const outputCapacity = 256

// ErrClosed is returned by an engine after Close.
var ErrClosed = errors.New("lua engine closed")

// OutputRecord is one line of script output.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// ScriptError describes a failed load or hook call.
type ScriptError struct {
	Type       string // "syntax", "runtime", "api"
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *ScriptError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, "in "+e.Source)
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}
	prefix := "Lua " + e.Type + " error"
	if len(parts) > 0 {
		prefix += " (" + strings.Join(parts, ", ") + ")"
	}
	return prefix + ": " + e.Message
}

func (e *ScriptError) Unwrap() error { return e.Underlying }

// Is matches any ScriptError of the same type.
func (e *ScriptError) Is(target error) bool {
	var se *ScriptError
	if errors.As(target, &se) {
		return e.Type == se.Type
	}
	return false
}

var lineRe = regexp.MustCompile(`\]:(\d+):\s*(.*)$`)

func newScriptError(typ, source, msg string, cause error) *ScriptError {
	se := &ScriptError{Type: typ, Message: msg, Source: source, Underlying: cause}
	first, _, _ := strings.Cut(msg, "\n")
	if m := lineRe.FindStringSubmatch(first); m != nil {
		fmt.Sscanf(m[1], "%d", &se.Line)
		se.Message = m[2]
	}
	return se
}

// Engine owns a Lua state with the ble API installed. Every access to the
// state is serialized.
type Engine struct {
	mu     sync.Mutex
	state  *lua.State
	logger *logrus.Logger
	ctrl   Controller
	output *RingChannel[OutputRecord]
	source string
}

// NewEngine creates a state with the standard libraries, a captured print
// and a ble table bound to ctrl.
func NewEngine(ctrl Controller, logger *logrus.Logger) *Engine {
	e := &Engine{
		logger: logger,
		ctrl:   ctrl,
		output: NewRingChannel[OutputRecord](outputCapacity),
	}
	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerPrint()
	e.registerBLE()
	return e
}

// Output returns the captured script output.
func (e *Engine) Output() *RingChannel[OutputRecord] {
	return e.output
}

func (e *Engine) emit(source, content string) {
	e.output.Send(OutputRecord{Content: content, Timestamp: time.Now(), Source: source})
}

// LoadFile runs the script at path.
func (e *Engine) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.Load(string(content), path)
}

// Load compiles and runs script. Top-level statements run immediately;
// functions it defines become hooks.
func (e *Engine) Load(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &ScriptError{Type: "api", Message: "empty script", Source: name}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ErrClosed
	}
	L := e.state
	top := L.GetTop()

	if status := L.LoadString(script); status != 0 {
		msg := L.ToString(-1)
		L.SetTop(top)
		se := newScriptError("syntax", name, msg, nil)
		e.emit("stderr", se.Error()+"\n")
		return se
	}
	if err := L.Call(0, 0); err != nil {
		L.SetTop(top)
		se := newScriptError("runtime", name, err.Error(), err)
		e.emit("stderr", se.Error()+"\n")
		return se
	}
	e.source = name
	e.logger.WithField("script", name).Info("Lua script loaded")
	return nil
}

// HasFunction reports whether the global name is a function.
func (e *Engine) HasFunction(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return false
	}
	e.state.GetGlobal(name)
	defer e.state.Pop(1)
	return e.state.IsFunction(-1)
}

// Call invokes the global function fn with args as a single table argument.
// It returns false, nil if fn is not defined.
func (e *Engine) Call(fn string, args map[string]any) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return false, ErrClosed
	}
	L := e.state
	top := L.GetTop()

	L.GetGlobal(fn)
	if !L.IsFunction(-1) {
		L.SetTop(top)
		return false, nil
	}
	pushTable(L, args)
	if err := L.Call(1, 0); err != nil {
		L.SetTop(top)
		se := newScriptError("runtime", fn, err.Error(), err)
		e.emit("stderr", se.Error()+"\n")
		return true, se
	}
	return true, nil
}

// SetGlobal sets a global to a string, number or boolean.
func (e *Engine) SetGlobal(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ErrClosed
	}
	switch value.(type) {
	case string, bool, int, int64, uint16, float64:
	default:
		return fmt.Errorf("unsupported type %T for global %s", value, name)
	}
	pushValue(e.state, value)
	e.state.SetGlobal(name)
	return nil
}

// GetGlobal returns a string, number or boolean global, or nil.
func (e *Engine) GetGlobal(name string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	L := e.state
	L.GetGlobal(name)
	defer L.Pop(1)
	switch {
	case L.IsBoolean(-1):
		return L.ToBoolean(-1)
	case L.IsNumber(-1):
		return L.ToNumber(-1)
	case L.IsString(-1):
		return L.ToString(-1)
	default:
		return nil
	}
}

// Close releases the state and closes the output channel.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return
	}
	e.state.Close()
	e.state = nil
	e.output.Close()
}

// safe turns a Go panic inside an API function into a logged script error.
func (e *Engine) safe(name string, fn func(*lua.State) int) func(*lua.State) int {
	return func(L *lua.State) (n int) {
		defer func() {
			if r := recover(); r != nil {
				e.logger.WithFields(logrus.Fields{"function": name, "panic": r}).Error("Lua API function panicked")
				e.emit("stderr", fmt.Sprintf("%s: internal error: %v\n", name, r))
				n = 0
			}
		}()
		return fn(L)
	}
}

func (e *Engine) registerPrint() {
	e.state.PushGoFunction(e.safe("print", func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprint(L.ToBoolean(i)))
			case L.IsNumber(i), L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		e.emit("stdout", strings.Join(parts, "\t")+"\n")
		return 0
	}))
	e.state.SetGlobal("print")
}

// pushTable pushes m as a table. Keys are set in sorted order.
func pushTable(L *lua.State, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	L.NewTable()
	for _, k := range keys {
		L.PushString(k)
		pushValue(L, m[k])
		L.SetTable(-3)
	}
}

func pushValue(L *lua.State, v any) {
	switch x := v.(type) {
	case nil:
		L.PushNil()
	case string:
		L.PushString(x)
	case bool:
		L.PushBoolean(x)
	case int:
		L.PushInteger(int64(x))
	case int64:
		L.PushInteger(x)
	case uint16:
		L.PushInteger(int64(x))
	case uint8:
		L.PushInteger(int64(x))
	case float64:
		L.PushNumber(x)
	case []string:
		L.NewTable()
		for i, s := range x {
			L.PushInteger(int64(i + 1))
			L.PushString(s)
			L.SetTable(-3)
		}
	case map[string]any:
		pushTable(L, x)
	default:
		L.PushString(fmt.Sprint(x))
	}
}
