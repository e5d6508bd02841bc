// Package monitor observes and controls a running application over HTTP
// and websockets.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/stack"
)

// EventRecord is a serialized stack event.
type EventRecord struct {
	Seq    uint64          `json:"seq"`
	Time   time.Time       `json:"time"`
	Kind   stack.EventKind `json:"kind"`
	Fields map[string]any  `json:"fields"`
}

// Recorder listens to both roles, keeps the most recent records and hands
// each new record to its subscribers. Subscribers run on the dispatching
// goroutine and must not block.
type Recorder struct {
	logger *logrus.Logger
	limit  int
	now    func() time.Time
	seq    atomic.Uint64

	mu   sync.Mutex
	ring mpmc.RichOverlappedRingBuffer[EventRecord]

	subMu sync.RWMutex
	subs  []func(EventRecord)
}

var (
	_ stack.GapEventHandler        = (*Recorder)(nil)
	_ stack.GattServerEventHandler = (*Recorder)(nil)
)

// NewRecorder creates a recorder keeping the last limit records.
func NewRecorder(limit int, logger *logrus.Logger) *Recorder {
	if limit <= 0 {
		limit = 1
	}
	return &Recorder{
		logger: logger,
		limit:  limit,
		now:    time.Now,
		// one slot of the ring stays free
		ring: mpmc.NewOverlappedRingBuffer[EventRecord](uint32(limit + 1)),
	}
}

// Subscribe adds fn to the receivers of new records.
func (r *Recorder) Subscribe(fn func(EventRecord)) {
	r.subMu.Lock()
	r.subs = append(r.subs, fn)
	r.subMu.Unlock()
}

// Record stores ev and notifies the subscribers.
func (r *Recorder) Record(ev stack.Event) EventRecord {
	rec := EventRecord{
		Seq:    r.seq.Add(1),
		Time:   r.now(),
		Kind:   ev.Kind(),
		Fields: stack.Fields(ev),
	}

	r.mu.Lock()
	if _, err := r.ring.EnqueueM(rec); err != nil {
		r.logger.WithError(err).WithField("seq", rec.Seq).Warn("Event history enqueue failed")
	}
	r.mu.Unlock()

	r.subMu.RLock()
	subs := r.subs
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(rec)
	}
	return rec
}

// History returns the retained records with a sequence number above since,
// oldest first.
func (r *Recorder) History(since uint64) []EventRecord {
	r.mu.Lock()
	all := make([]EventRecord, 0, r.limit)
	for !r.ring.IsEmpty() {
		rec, err := r.ring.Dequeue()
		if err != nil {
			break
		}
		all = append(all, rec)
	}
	for _, rec := range all {
		_, _ = r.ring.EnqueueM(rec)
	}
	r.mu.Unlock()

	if len(all) > r.limit {
		all = all[len(all)-r.limit:]
	}
	out := make([]EventRecord, 0, len(all))
	for _, rec := range all {
		if rec.Seq > since {
			out = append(out, rec)
		}
	}
	return out
}

// Last returns the sequence number of the newest record.
func (r *Recorder) Last() uint64 { return r.seq.Load() }

func (r *Recorder) OnConnectionComplete(e stack.ConnectionCompleteEvent)       { r.Record(e) }
func (r *Recorder) OnDisconnectionComplete(e stack.DisconnectionCompleteEvent) { r.Record(e) }
func (r *Recorder) OnAdvertisingEnd(e stack.AdvertisingEndEvent)               { r.Record(e) }
func (r *Recorder) OnScanTimeout(e stack.ScanTimeoutEvent)                     { r.Record(e) }
func (r *Recorder) OnAdvertisingReport(e stack.AdvertisingReportEvent)         { r.Record(e) }
func (r *Recorder) OnDataWritten(e stack.WriteEvent)                           { r.Record(e) }
func (r *Recorder) OnDataRead(e stack.ReadEvent)                               { r.Record(e) }
func (r *Recorder) OnUpdatesEnabled(e stack.UpdatesEnabledEvent)               { r.Record(e) }
func (r *Recorder) OnUpdatesDisabled(e stack.UpdatesDisabledEvent)             { r.Record(e) }
func (r *Recorder) OnAttMtuChange(e stack.MTUChangeEvent)                      { r.Record(e) }
