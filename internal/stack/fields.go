package stack

import (
	"encoding/hex"
	"fmt"

	"github.com/srg/bleapp/internal/advdata"
)

// Fields flattens ev into named values for logs, scripts and event records.
// Byte slices are rendered as lowercase hex.
func Fields(ev Event) map[string]any {
	f := map[string]any{}
	switch e := ev.(type) {
	case ConnectionCompleteEvent:
		f["handle"] = uint16(e.Handle)
		f["role"] = e.Role.String()
		f["peer"] = e.Peer.Address.String()
		f["address_type"] = e.Peer.Type.String()
		f["success"] = e.Success()
		if e.Err != nil {
			f["error"] = e.Err.Error()
		}
	case DisconnectionCompleteEvent:
		f["handle"] = uint16(e.Handle)
		f["reason"] = fmt.Sprintf("0x%02x", e.Reason)
	case AdvertisingEndEvent:
		f["connected"] = e.Connected
		if e.Connected {
			f["handle"] = uint16(e.Handle)
		}
	case ScanTimeoutEvent:
	case AdvertisingReportEvent:
		f["peer"] = e.Peer.Address.String()
		f["address_type"] = e.Peer.Type.String()
		f["rssi"] = int(e.RSSI)
		f["connectable"] = e.Connectable
		f["payload"] = hex.EncodeToString(e.Payload)
		// a malformed tail still yields the elements before it
		d, _ := advdata.Decode(e.Payload)
		if d.CompleteName != "" {
			f["name"] = d.CompleteName
		} else if d.ShortName != "" {
			f["name"] = d.ShortName
		}
		if len(d.Services16) > 0 {
			ids := make([]string, len(d.Services16))
			for i, id := range d.Services16 {
				ids[i] = fmt.Sprintf("0x%04x", id)
			}
			f["services"] = ids
		}
	case WriteEvent:
		f["conn"] = uint16(e.Conn)
		f["handle"] = uint16(e.Handle)
		f["offset"] = e.Offset
		f["data"] = hex.EncodeToString(e.Data)
	case ReadEvent:
		f["conn"] = uint16(e.Conn)
		f["handle"] = uint16(e.Handle)
	case UpdatesEnabledEvent:
		f["conn"] = uint16(e.Conn)
		f["handle"] = uint16(e.Handle)
	case UpdatesDisabledEvent:
		f["conn"] = uint16(e.Conn)
		f["handle"] = uint16(e.Handle)
	case MTUChangeEvent:
		f["conn"] = uint16(e.Conn)
		f["mtu"] = e.MTU
	}
	return f
}
