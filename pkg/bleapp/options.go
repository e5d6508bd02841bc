package bleapp

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/advdata"
	"github.com/srg/bleapp/internal/stack"
)

// Defaults applied by New.
const (
	DefaultAdvertisingInterval = 40 * time.Millisecond
	DefaultAdvertisingDuration = 10 * time.Second
	DefaultScanInterval        = 80 // in stack.ScanUnit
	DefaultScanWindow          = 40 // in stack.ScanUnit
	DefaultScanDuration        = 10 * time.Second
)

type options struct {
	logger              *logrus.Logger
	advertisingType     stack.AdvertisingType
	advertisingInterval time.Duration
	advertisingDuration time.Duration
	maxPayload          int
	scan                stack.ScanParameters
	scanDuration        time.Duration
}

func defaultOptions() options {
	return options{
		advertisingType:     stack.AdvertisingConnectableUndirected,
		advertisingInterval: DefaultAdvertisingInterval,
		advertisingDuration: DefaultAdvertisingDuration,
		maxPayload:          advdata.MaxAdvertisingPayloadSize,
		scan: stack.ScanParameters{
			Interval: DefaultScanInterval,
			Window:   DefaultScanWindow,
			Type:     stack.ScanPassive,
		},
		scanDuration: DefaultScanDuration,
	}
}

// Option configures an App.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAdvertisingInterval sets the advertising interval.
func WithAdvertisingInterval(d time.Duration) Option {
	return func(o *options) { o.advertisingInterval = d }
}

// WithAdvertisingDuration sets the default advertising duration. Zero
// advertises until stopped.
func WithAdvertisingDuration(d time.Duration) Option {
	return func(o *options) { o.advertisingDuration = d }
}

// WithMaxPayload bounds the advertising payload.
func WithMaxPayload(n int) Option {
	return func(o *options) { o.maxPayload = n }
}

// WithScanParameters sets the scan interval, window and type.
func WithScanParameters(p stack.ScanParameters) Option {
	return func(o *options) { o.scan = p }
}

// WithScanDuration sets how long each scan runs. Zero scans until stopped.
func WithScanDuration(d time.Duration) Option {
	return func(o *options) { o.scanDuration = d }
}
