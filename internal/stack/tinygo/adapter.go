package tinygo

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/srg/bleapp/internal/stack"
	"tinygo.org/x/bluetooth"
)

// bluetoothRadio is the Radio of the host adapter.
type bluetoothRadio struct {
	adapter *bluetooth.Adapter

	mu    sync.Mutex
	adv   *bluetooth.Advertisement
	addrs map[string]bluetooth.Address
}

// NewRadio returns the radio of the default host adapter.
func NewRadio() Radio {
	return &bluetoothRadio{
		adapter: bluetooth.DefaultAdapter,
		addrs:   make(map[string]bluetooth.Address),
	}
}

func (r *bluetoothRadio) Enable() error {
	return r.adapter.Enable()
}

func (r *bluetoothRadio) SetConnectHandler(fn func(addr string, connected bool)) {
	r.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		fn(d.Address.String(), connected)
	})
}

func (r *bluetoothRadio) Advertise(opts AdvertisingOptions) error {
	o := bluetooth.AdvertisementOptions{
		LocalName: opts.LocalName,
		Interval:  bluetooth.NewDuration(opts.Interval),
	}
	for _, u := range opts.Service16 {
		o.ServiceUUIDs = append(o.ServiceUUIDs, bluetooth.New16BitUUID(u))
	}
	for _, s := range opts.Service128 {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		o.ServiceUUIDs = append(o.ServiceUUIDs, u)
	}
	if len(opts.Manufacturer) >= 2 {
		o.ManufacturerData = []bluetooth.ManufacturerDataElement{{
			CompanyID: uint16(opts.Manufacturer[0]) | uint16(opts.Manufacturer[1])<<8,
			Data:      opts.Manufacturer[2:],
		}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adv == nil {
		r.adv = r.adapter.DefaultAdvertisement()
	}
	if err := r.adv.Configure(o); err != nil {
		return err
	}
	return r.adv.Start()
}

func (r *bluetoothRadio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adv == nil {
		return nil
	}
	return r.adv.Stop()
}

func (r *bluetoothRadio) Scan(fn func(ScanResult)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
		addr := res.Address.String()
		r.mu.Lock()
		r.addrs[addr] = res.Address
		r.mu.Unlock()
		fn(ScanResult{
			Address:   addr,
			RSSI:      res.RSSI,
			LocalName: res.LocalName(),
			Payload:   res.Bytes(),
		})
	})
}

func (r *bluetoothRadio) StopScan() error {
	return r.adapter.StopScan()
}

type device struct {
	d bluetooth.Device
}

func (p *device) Disconnect() error {
	return p.d.Disconnect()
}

func (r *bluetoothRadio) Connect(addr string) (Peripheral, error) {
	r.mu.Lock()
	a, ok := r.addrs[addr]
	r.mu.Unlock()
	if !ok {
		a.Set(addr)
	}
	d, err := r.adapter.Connect(a, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &device{d: d}, nil
}

func (r *bluetoothRadio) AddService(svc ServiceConfig) ([]Updater, error) {
	su, err := parseUUID(svc.UUID)
	if err != nil {
		return nil, err
	}

	chars := make([]bluetooth.Characteristic, len(svc.Characteristics))
	configs := make([]bluetooth.CharacteristicConfig, len(svc.Characteristics))
	for i, c := range svc.Characteristics {
		cu, err := parseUUID(c.UUID)
		if err != nil {
			return nil, err
		}
		configs[i] = bluetooth.CharacteristicConfig{
			Handle: &chars[i],
			UUID:   cu,
			Value:  c.Value,
			Flags:  permissions(c.Properties),
		}
		if onWrite := c.OnWrite; onWrite != nil {
			configs[i].WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				onWrite(uint16(client), offset, value)
			}
		}
	}

	if err := r.adapter.AddService(&bluetooth.Service{UUID: su, Characteristics: configs}); err != nil {
		return nil, err
	}
	updaters := make([]Updater, len(chars))
	for i := range chars {
		updaters[i] = &chars[i]
	}
	return updaters, nil
}

// parseUUID accepts the 16-bit short form as four hex digits.
func parseUUID(s string) (bluetooth.UUID, error) {
	if len(s) == 4 {
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	}
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}

func permissions(p stack.CharacteristicProperty) bluetooth.CharacteristicPermissions {
	var out bluetooth.CharacteristicPermissions
	if p.Has(stack.PropBroadcast) {
		out |= bluetooth.CharacteristicBroadcastPermission
	}
	if p.Has(stack.PropRead) {
		out |= bluetooth.CharacteristicReadPermission
	}
	if p.Has(stack.PropWriteWithoutResponse) {
		out |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p.Has(stack.PropWrite) {
		out |= bluetooth.CharacteristicWritePermission
	}
	if p.Has(stack.PropNotify) {
		out |= bluetooth.CharacteristicNotifyPermission
	}
	if p.Has(stack.PropIndicate) {
		out |= bluetooth.CharacteristicIndicatePermission
	}
	return out
}
