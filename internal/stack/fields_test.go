package stack_test

import (
	"testing"

	"github.com/srg/bleapp/internal/stack"
	"github.com/srg/bleapp/internal/testutils"
	"github.com/stretchr/testify/assert"
)

func TestFields(t *testing.T) {
	peer := stack.PeerAddress{Type: stack.AddressRandomStatic, Address: stack.Address{0xC0, 0x98, 0xE5, 0x49, 0x00, 0x02}}

	tests := []struct {
		name     string
		event    stack.Event
		expected map[string]any
	}{
		{
			name:  "successful connection",
			event: stack.ConnectionCompleteEvent{Handle: 7, Role: stack.RolePeripheral, Peer: peer},
			expected: map[string]any{
				"handle": uint16(7), "role": "peripheral", "peer": "C0:98:E5:49:00:02",
				"address_type": "random-static", "success": true,
			},
		},
		{
			name:  "failed connection",
			event: stack.ConnectionCompleteEvent{Peer: peer, Err: stack.NewError("Connect", stack.CodeStackBusy)},
			expected: map[string]any{
				"handle": uint16(0), "role": "central", "peer": "C0:98:E5:49:00:02",
				"address_type": "random-static", "success": false,
				"error": stack.NewError("Connect", stack.CodeStackBusy).Error(),
			},
		},
		{
			name:     "disconnection",
			event:    stack.DisconnectionCompleteEvent{Handle: 7, Reason: 0x13},
			expected: map[string]any{"handle": uint16(7), "reason": "0x13"},
		},
		{
			name:     "advertising timed out",
			event:    stack.AdvertisingEndEvent{},
			expected: map[string]any{"connected": false},
		},
		{
			name:     "advertising ended by a connection",
			event:    stack.AdvertisingEndEvent{Connected: true, Handle: 3},
			expected: map[string]any{"connected": true, "handle": uint16(3)},
		},
		{
			name:     "scan timeout",
			event:    stack.ScanTimeoutEvent{},
			expected: map[string]any{},
		},
		{
			name:  "write",
			event: stack.WriteEvent{Conn: 1, Handle: 0x2a, Offset: 2, Data: []byte{0xde, 0xad}},
			expected: map[string]any{
				"conn": uint16(1), "handle": uint16(0x2a), "offset": uint16(2), "data": "dead",
			},
		},
		{
			name:     "mtu",
			event:    stack.MTUChangeEvent{Conn: 1, MTU: 247},
			expected: map[string]any{"conn": uint16(1), "mtu": uint16(247)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, stack.Fields(tt.event))
		})
	}
}

func TestFields_AdvertisingReportDecodesPayload(t *testing.T) {
	ev := testutils.NewReportBuilder().
		WithName("Y").
		WithAddress("C0:98:E5:49:00:02").
		WithService16(0x180d).
		WithRSSI(-70).
		Build()

	f := stack.Fields(ev)

	assert.Equal(t, "Y", f["name"], "report name MUST be decoded from the payload")
	assert.Equal(t, []string{"0x180d"}, f["services"])
	assert.Equal(t, -70, f["rssi"])
	assert.Equal(t, true, f["connectable"])
	assert.Equal(t, "C0:98:E5:49:00:02", f["peer"])
	assert.NotEmpty(t, f["payload"])
}

func TestFields_MalformedReportKeepsRawPayload(t *testing.T) {
	ev := testutils.NewReportBuilder().WithRawPayload([]byte{0x05, 0x09, 'a'}).Build()

	f := stack.Fields(ev)

	assert.Equal(t, "050961", f["payload"])
	assert.NotContains(t, f, "name", "truncated element MUST NOT yield a name")
}
