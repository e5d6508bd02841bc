package bleapp

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/advdata"
	"github.com/srg/bleapp/internal/stack"
)

// activity drives advertising, scanning and connection set-up from the
// committed ActivityConfig. It is always the first GAP listener, and every
// method runs on the application queue.
type activity struct {
	app *App

	connected  bool
	connecting bool
	scanning   bool
	handle     stack.ConnectionHandle
	peer       stack.PeerAddress
}

var _ stack.GapEventHandler = (*activity)(nil)

func (m *activity) log() *logrus.Logger {
	return m.app.logger
}

func (m *activity) gap() stack.Gap {
	return m.app.stack.Gap()
}

func (m *activity) reset() {
	m.connected = false
	m.connecting = false
	m.scanning = false
	m.handle = 0
	m.peer = stack.PeerAddress{}
}

// reconcile brings advertising and scanning in line with the committed
// configuration and connection state. Running it twice without a change in
// between issues no further stack commands.
func (m *activity) reconcile() {
	if !m.app.stack.IsInitialized() {
		return
	}
	cfg := m.app.committed()
	gap := m.gap()

	if cfg.AdvertisingName != "" && !m.connected {
		if !gap.IsAdvertisingActive() {
			m.startAdvertising(cfg)
		}
	} else if gap.IsAdvertisingActive() {
		if err := gap.StopAdvertising(); err != nil {
			m.app.logStackError("StopAdvertising", err)
		} else {
			m.log().Info("Advertising stopped")
		}
	}

	if cfg.TargetName != "" && !m.connected {
		if !m.scanning && !m.connecting {
			m.startScanning()
		}
	} else if m.scanning {
		if err := gap.StopScan(); err != nil {
			m.app.logStackError("StopScan", err)
		} else {
			m.scanning = false
			m.log().Info("Scanning stopped")
		}
	}

	m.app.publishStatus()
}

func (m *activity) startAdvertising(cfg ActivityConfig) {
	gap := m.gap()
	opts := m.app.opts

	params := stack.AdvertisingParameters{Type: opts.advertisingType, Interval: opts.advertisingInterval}
	if err := gap.SetAdvertisingParameters(params); err != nil {
		m.app.logStackError("SetAdvertisingParameters", err)
		return
	}

	payload, err := cfg.advertisingPayload(opts.maxPayload)
	if err != nil {
		m.log().WithError(err).WithFields(logrus.Fields{
			"name":        cfg.AdvertisingName,
			"service_id":  cfg.ServiceID.String(),
			"max_payload": opts.maxPayload,
		}).Error("Advertising payload setup failed")
		return
	}
	if err := gap.SetAdvertisingPayload(payload); err != nil {
		m.app.logStackError("SetAdvertisingPayload", err)
		return
	}

	if err := gap.StartAdvertising(cfg.AdvertisingDuration); err != nil {
		m.app.logStackError("StartAdvertising", err)
		return
	}
	m.log().WithFields(logrus.Fields{
		"name":     cfg.AdvertisingName,
		"duration": cfg.AdvertisingDuration,
	}).Info("Advertising started")
}

func (m *activity) startScanning() {
	gap := m.gap()
	opts := m.app.opts

	if err := gap.SetScanParameters(opts.scan); err != nil {
		m.app.logStackError("SetScanParameters", err)
		return
	}
	if err := gap.StartScan(opts.scanDuration); err != nil {
		m.app.logStackError("StartScan", err)
		return
	}
	m.scanning = true
	m.log().WithFields(logrus.Fields{
		"target":   m.app.committed().TargetName,
		"interval": opts.scan.IntervalDuration(),
		"window":   opts.scan.WindowDuration(),
		"duration": opts.scanDuration,
	}).Info("Scanning started")
}

// OnAdvertisingReport connects to the first connectable advertiser whose
// complete local name equals the target name.
func (m *activity) OnAdvertisingReport(e stack.AdvertisingReportEvent) {
	if m.connecting || m.connected || !e.Connectable {
		return
	}
	target := m.app.committed().TargetName
	if target == "" {
		return
	}
	name, ok := advdata.LocalName(e.Payload)
	if !ok || !bytes.Equal(name, []byte(target)) {
		return
	}

	m.log().WithFields(logrus.Fields{"peer": e.Peer.String(), "rssi": e.RSSI}).Infof("Found %q", target)

	gap := m.gap()
	if err := gap.StopScan(); err != nil {
		m.app.logStackError("StopScan", err)
		return
	}
	m.scanning = false

	if err := gap.Connect(e.Peer); err != nil {
		m.app.logStackError("Connect", err)
		if err := gap.StartScan(m.app.opts.scanDuration); err != nil {
			m.app.logStackError("StartScan", err)
		} else {
			m.scanning = true
		}
		m.app.publishStatus()
		return
	}

	m.connecting = true
	m.peer = e.Peer
	m.app.publishStatus()
}

// OnConnectionComplete records a new link and fires the connect callback
// before anything else happens. Only the first link is taken.
func (m *activity) OnConnectionComplete(e stack.ConnectionCompleteEvent) {
	if !e.Success() {
		m.connecting = false
		m.log().WithError(e.Err).WithField("peer", e.Peer.String()).Warn("Connection failed")
		m.reconcile()
		return
	}
	if m.connected {
		m.log().WithFields(logrus.Fields{
			"handle":  e.Handle,
			"current": m.handle,
			"peer":    e.Peer.String(),
		}).Warn("Ignoring connection while already connected")
		return
	}

	m.connecting = false
	m.connected = true
	m.handle = e.Handle
	m.peer = e.Peer
	m.log().WithFields(logrus.Fields{
		"handle": e.Handle,
		"peer":   e.Peer.String(),
		"role":   e.Role.String(),
	}).Info("Connected")
	m.app.publishStatus()

	m.app.fireConnect(e)
	m.app.installGattBridge()
	m.reconcile()
}

// OnDisconnectionComplete clears the link and resumes activity.
func (m *activity) OnDisconnectionComplete(e stack.DisconnectionCompleteEvent) {
	if !m.connected || e.Handle != m.handle {
		m.log().WithField("handle", e.Handle).Debug("Ignoring disconnection of an unknown link")
		return
	}
	m.connected = false
	m.handle = 0
	m.peer = stack.PeerAddress{}
	m.log().WithFields(logrus.Fields{"handle": e.Handle, "reason": e.Reason}).Info("Disconnected")
	m.app.publishStatus()

	m.app.fireDisconnect(e)
	m.app.queue.Call(m.reconcile)
}

// OnScanTimeout restarts scanning if a target is still wanted.
func (m *activity) OnScanTimeout(stack.ScanTimeoutEvent) {
	m.scanning = false
	m.log().Debug("Scan timed out")
	m.reconcile()
}

// OnAdvertisingEnd restarts advertising unless a peer connected.
func (m *activity) OnAdvertisingEnd(e stack.AdvertisingEndEvent) {
	m.log().WithField("connected", e.Connected).Debug("Advertising ended")
	m.reconcile()
}
