package monitor

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

// LogTail is a logrus hook keeping the most recent formatted log output.
// Older bytes are discarded whole lines at a time where possible.
type LogTail struct {
	mu        sync.Mutex
	buf       *ringbuffer.RingBuffer
	formatter logrus.Formatter
	scratch   []byte
}

var _ logrus.Hook = (*LogTail)(nil)

// NewLogTail creates a tail holding up to size bytes.
func NewLogTail(size int) *LogTail {
	return &LogTail{
		buf:       ringbuffer.New(size),
		formatter: &logrus.TextFormatter{DisableColors: true, FullTimestamp: true},
		scratch:   make([]byte, size),
	}
}

// Levels implements logrus.Hook.
func (t *LogTail) Levels() []logrus.Level { return logrus.AllLevels }

// Fire implements logrus.Hook.
func (t *LogTail) Fire(entry *logrus.Entry) error {
	line, err := t.formatter.Format(entry)
	if err != nil {
		return err
	}
	t.Write(line)
	return nil
}

// Write appends p, evicting the oldest bytes to make room. Only the tail of
// a p larger than the buffer is kept.
func (t *LogTail) Write(p []byte) (int, error) {
	n := len(p)
	t.mu.Lock()
	defer t.mu.Unlock()

	if c := t.buf.Capacity(); len(p) > c {
		p = p[len(p)-c:]
	}
	if free := t.buf.Capacity() - t.buf.Length(); free < len(p) {
		t.evict(len(p) - free)
	}
	if _, err := t.buf.Write(p); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return 0, err
	}
	return n, nil
}

// evict drops at least n bytes, then up to the end of the partial line.
func (t *LogTail) evict(n int) {
	read, _ := t.buf.TryRead(t.scratch[:n])
	if read == 0 || t.scratch[read-1] == '\n' {
		return
	}
	one := make([]byte, 1)
	for t.buf.Length() > 0 {
		if _, err := t.buf.TryRead(one); err != nil || one[0] == '\n' {
			return
		}
	}
}

// String returns the retained output.
func (t *LogTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, _ := t.buf.TryRead(t.scratch[:t.buf.Length()])
	out := string(t.scratch[:n])
	_, _ = t.buf.Write(t.scratch[:n])
	return out
}

// Attach installs the tail as a hook of logger.
func (t *LogTail) Attach(logger *logrus.Logger) {
	logger.AddHook(t)
}
