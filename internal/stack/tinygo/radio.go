package tinygo

import (
	"time"

	"github.com/srg/bleapp/internal/stack"
)

// Radio is the slice of a BLE adapter the backend drives. The production
// implementation wraps tinygo.org/x/bluetooth.
type Radio interface {
	Enable() error
	SetConnectHandler(fn func(addr string, connected bool))

	Advertise(opts AdvertisingOptions) error
	StopAdvertising() error

	// Scan blocks, calling fn for every advertisement, until StopScan.
	Scan(fn func(ScanResult)) error
	StopScan() error

	Connect(addr string) (Peripheral, error)

	AddService(svc ServiceConfig) ([]Updater, error)
}

// AdvertisingOptions is what the radio advertises.
type AdvertisingOptions struct {
	LocalName    string
	Service16    []uint16
	Service128   []string
	Interval     time.Duration
	Manufacturer []byte
}

// ScanResult is one received advertisement.
type ScanResult struct {
	Address   string
	RSSI      int16
	LocalName string
	// Payload is the raw advertising data when the platform exposes it.
	Payload []byte
}

// Peripheral is a connected remote device.
type Peripheral interface {
	Disconnect() error
}

// ServiceConfig describes a service to register with the radio.
type ServiceConfig struct {
	UUID            string
	Characteristics []CharacteristicConfig
}

// CharacteristicConfig describes one characteristic of a ServiceConfig.
type CharacteristicConfig struct {
	UUID       string
	Properties stack.CharacteristicProperty
	Value      []byte
	OnWrite    func(conn uint16, offset int, value []byte)
}

// Updater changes the value of a registered characteristic and notifies
// subscribed clients.
type Updater interface {
	Write(value []byte) (int, error)
}
