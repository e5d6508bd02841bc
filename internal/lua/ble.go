package lua

import (
	"strconv"
	"strings"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/pkg/bleapp"
)

// Controller is the part of the application a script can drive.
type Controller interface {
	SetAdvertisingName(name string) bool
	SetTargetName(name string) bool
	SetServiceIDShort(id uint16) bool
	SetServiceIDLong(id string) bool
	ClearServiceID() bool
	Status() bleapp.Status
}

var _ Controller = (*bleapp.App)(nil)

// registerBLE installs the global ble table:
//
//	ble.set_advertising_name(name) -> bool
//	ble.set_target_name(name)      -> bool
//	ble.set_service_id(id)         -> bool   "", nil clears; 0x180d or "180d" is 16-bit; a UUID is 128-bit
//	ble.state()                    -> "idle" | "advertising" | "scanning" | "connecting" | "connected"
//	ble.status()                   -> table
//	ble.log(level, msg)
func (e *Engine) registerBLE() {
	L := e.state
	L.NewTable()

	e.pushFunction(L, "set_advertising_name", func(L *lua.State) int {
		name, ok := optString(L, 1)
		L.PushBoolean(ok && e.ctrl.SetAdvertisingName(name))
		return 1
	})
	e.pushFunction(L, "set_target_name", func(L *lua.State) int {
		name, ok := optString(L, 1)
		L.PushBoolean(ok && e.ctrl.SetTargetName(name))
		return 1
	})
	e.pushFunction(L, "set_service_id", func(L *lua.State) int {
		L.PushBoolean(e.setServiceID(L))
		return 1
	})
	e.pushFunction(L, "state", func(L *lua.State) int {
		L.PushString(e.ctrl.Status().State.String())
		return 1
	})
	e.pushFunction(L, "status", func(L *lua.State) int {
		st := e.ctrl.Status()
		t := map[string]any{
			"state":       st.State.String(),
			"advertising": st.Advertising,
			"scanning":    st.Scanning,
			"config": map[string]any{
				"advertising_name":     st.Config.AdvertisingName,
				"target_name":          st.Config.TargetName,
				"service_id":           st.Config.ServiceID,
				"service_id_kind":      st.Config.ServiceIDKind,
				"advertising_duration": st.Config.AdvertisingDuration,
			},
		}
		if st.Peer != nil {
			t["handle"] = uint16(st.Handle)
			t["peer"] = st.Peer.Address.String()
		}
		pushTable(L, t)
		return 1
	})
	e.pushFunction(L, "log", func(L *lua.State) int {
		level, _ := optString(L, 1)
		msg, _ := optString(L, 2)
		lvl, err := logrus.ParseLevel(level)
		entry := e.logger.WithField("source", "lua")
		if err != nil {
			entry = entry.WithField("level_name", level)
			lvl = logrus.InfoLevel
		}
		entry.Log(lvl, msg)
		return 0
	})

	L.SetGlobal("ble")
}

func (e *Engine) pushFunction(L *lua.State, name string, fn func(*lua.State) int) {
	L.PushString(name)
	L.PushGoFunction(e.safe("ble."+name, fn))
	L.SetTable(-3)
}

func (e *Engine) setServiceID(L *lua.State) bool {
	if L.GetTop() == 0 || L.IsNil(1) {
		return e.ctrl.ClearServiceID()
	}
	// IsString is true for numbers, so the type decides
	if L.Type(1) == lua.LUA_TNUMBER {
		v := L.ToInteger(1)
		if v <= 0 || v > 0xFFFF {
			e.logger.WithField("service_id", v).Warn("Lua: service id out of range")
			return false
		}
		return e.ctrl.SetServiceIDShort(uint16(v))
	}
	if !L.IsString(1) {
		return false
	}
	s := strings.TrimSpace(L.ToString(1))
	if s == "" {
		return e.ctrl.ClearServiceID()
	}
	if id, ok := parseShortID(s); ok {
		return e.ctrl.SetServiceIDShort(id)
	}
	return e.ctrl.SetServiceIDLong(s)
}

// parseShortID accepts 1 to 4 hex digits with an optional 0x prefix.
func parseShortID(s string) (uint16, bool) {
	h := strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(h) == 0 || len(h) > 4 {
		return 0, false
	}
	v, err := strconv.ParseUint(h, 16, 16)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint16(v), true
}

// optString returns argument i as a string; nil and absent arguments give "".
func optString(L *lua.State, i int) (string, bool) {
	if L.GetTop() < i || L.IsNil(i) {
		return "", true
	}
	if !L.IsString(i) {
		return "", false
	}
	return L.ToString(i), true
}
