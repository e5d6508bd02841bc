package stack

// GapEventHandler receives GAP role events.
type GapEventHandler interface {
	OnConnectionComplete(ConnectionCompleteEvent)
	OnDisconnectionComplete(DisconnectionCompleteEvent)
	OnAdvertisingEnd(AdvertisingEndEvent)
	OnScanTimeout(ScanTimeoutEvent)
	OnAdvertisingReport(AdvertisingReportEvent)
}

// GattServerEventHandler receives GATT server role events.
type GattServerEventHandler interface {
	OnDataWritten(WriteEvent)
	OnDataRead(ReadEvent)
	OnUpdatesEnabled(UpdatesEnabledEvent)
	OnUpdatesDisabled(UpdatesDisabledEvent)
	OnAttMtuChange(MTUChangeEvent)
}

// NopGapEventHandler ignores every GAP event. Embed it to override only
// the events of interest.
type NopGapEventHandler struct{}

func (NopGapEventHandler) OnConnectionComplete(ConnectionCompleteEvent) {}
func (NopGapEventHandler) OnDisconnectionComplete(DisconnectionCompleteEvent) {}
func (NopGapEventHandler) OnAdvertisingEnd(AdvertisingEndEvent) {}
func (NopGapEventHandler) OnScanTimeout(ScanTimeoutEvent) {}
func (NopGapEventHandler) OnAdvertisingReport(AdvertisingReportEvent) {}

// NopGattServerEventHandler ignores every GATT server event.
type NopGattServerEventHandler struct{}

func (NopGattServerEventHandler) OnDataWritten(WriteEvent) {}
func (NopGattServerEventHandler) OnDataRead(ReadEvent) {}
func (NopGattServerEventHandler) OnUpdatesEnabled(UpdatesEnabledEvent) {}
func (NopGattServerEventHandler) OnUpdatesDisabled(UpdatesDisabledEvent) {}
func (NopGattServerEventHandler) OnAttMtuChange(MTUChangeEvent) {}

var (
	_ GapEventHandler        = NopGapEventHandler{}
	_ GattServerEventHandler = NopGattServerEventHandler{}
)
