package bleapp

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/srg/bleapp/internal/advdata"
	"github.com/srg/bleapp/internal/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func TestServiceID(t *testing.T) {
	var none ServiceID
	assert.Equal(t, ServiceIDNone, none.Kind())
	assert.Equal(t, "", none.String())
	assert.Nil(t, none.field(), "unset identifier MUST NOT produce an element")

	short := ShortServiceID(0x180d)
	v, ok := short.Short()
	assert.True(t, ok)
	assert.Equal(t, uint16(0x180d), v)
	_, ok = short.Long()
	assert.False(t, ok)
	assert.Equal(t, "0x180d", short.String())

	long, err := ParseLongServiceID("00001523-1212-EFDE-1523-785FEABCD123")
	require.NoError(t, err)
	assert.Equal(t, ServiceIDLong, long.Kind())
	assert.Equal(t, "00001523-1212-efde-1523-785feabcd123", long.String(), "long form MUST render canonically")

	_, err = ParseLongServiceID("180d")
	assert.Error(t, err)
}

func TestAdvertisingPayloadLayout(t *testing.T) {
	// GOAL: Payload carries flags, then the service identifier, then the complete name
	//
	// TEST SCENARIO: short and long identifiers → decode → element order and content

	id := uuid.MustParse("00001523-1212-efde-1523-785feabcd123")
	tests := []struct {
		name     string
		cfg      ActivityConfig
		expected []advdata.Type
	}{
		{"name only", ActivityConfig{AdvertisingName: "X"},
			[]advdata.Type{advdata.TypeFlags, advdata.TypeCompleteLocalName}},
		{"short id", ActivityConfig{AdvertisingName: "X", ServiceID: ShortServiceID(0x180d)},
			[]advdata.Type{advdata.TypeFlags, advdata.TypeCompleteUUID16, advdata.TypeCompleteLocalName}},
		{"long id", ActivityConfig{AdvertisingName: "X", ServiceID: LongServiceID(id)},
			[]advdata.Type{advdata.TypeFlags, advdata.TypeCompleteUUID128, advdata.TypeCompleteLocalName}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := tt.cfg.advertisingPayload(advdata.MaxAdvertisingPayloadSize)
			require.NoError(t, err)

			elements, err := advdata.Elements(payload)
			require.NoError(t, err)
			var types []advdata.Type
			for _, e := range elements {
				types = append(types, e.Type)
			}
			assert.Equal(t, tt.expected, types)

			name, ok := advdata.LocalName(payload)
			assert.True(t, ok)
			assert.Equal(t, "X", string(name))
		})
	}
}

func TestAdvertisingPayloadLimit(t *testing.T) {
	cfg := ActivityConfig{AdvertisingName: strings.Repeat("n", 45)}
	payload, err := cfg.advertisingPayload(advdata.MaxAdvertisingPayloadSize)
	require.NoError(t, err, "payload of exactly the limit MUST fit")
	assert.Len(t, payload, advdata.MaxAdvertisingPayloadSize)

	cfg.AdvertisingName += "n"
	_, err = cfg.advertisingPayload(advdata.MaxAdvertisingPayloadSize)
	assert.ErrorIs(t, err, advdata.ErrNotFit)
}

func TestConfigView(t *testing.T) {
	v := ActivityConfig{
		AdvertisingName:     "X",
		ServiceID:           ShortServiceID(0x1234),
		AdvertisingDuration: 10 * time.Second,
	}.View()

	assert.Equal(t, ConfigView{
		AdvertisingName:     "X",
		ServiceID:           "0x1234",
		ServiceIDKind:       "short",
		AdvertisingDuration: "10s",
	}, v)
}

func TestDeriveState(t *testing.T) {
	assert.Equal(t, StateIdle, deriveState(false, false, false, false))
	assert.Equal(t, StateAdvertising, deriveState(false, false, false, true))
	assert.Equal(t, StateScanning, deriveState(false, false, true, true), "scanning MUST win over advertising")
	assert.Equal(t, StateConnecting, deriveState(false, true, false, true))
	assert.Equal(t, StateConnected, deriveState(true, true, true, true))

	text, err := StateConnecting.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "connecting", string(text))
}

func TestConnectionStateText(t *testing.T) {
	for _, st := range []ConnectionState{StateIdle, StateAdvertising, StateScanning, StateConnecting, StateConnected} {
		text, err := st.MarshalText()
		require.NoError(t, err)

		var back ConnectionState
		require.NoError(t, back.UnmarshalText(text), "state %s MUST parse back", st)
		assert.Equal(t, st, back)
	}

	var st ConnectionState
	assert.Error(t, st.UnmarshalText([]byte("dancing")), "unknown state name MUST be rejected")
}

func TestStatusDecodesFromJSON(t *testing.T) {
	// GOAL: Status published by the monitor decodes back into the same value
	//
	// TEST SCENARIO: marshal a connected status → unmarshal → equal

	addr, err := stack.ParseAddress("C0:98:E5:49:00:02")
	require.NoError(t, err)
	in := Status{
		State:  StateConnected,
		Handle: 3,
		Peer:   &stack.PeerAddress{Address: addr},
		Config: ActivityConfig{AdvertisingName: "X", AdvertisingDuration: time.Second}.View(),
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"connected"`)

	var out Status
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
