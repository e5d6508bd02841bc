package lua

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/groutine"
)

const drainTimeout = 100 * time.Millisecond

// OutputDrainer moves script output to the log and, optionally, a writer.
// stdout lines are logged at info, stderr lines at warning.
type OutputDrainer struct {
	logger     *logrus.Logger
	w          io.Writer
	cancelOnce sync.Once
	stop       chan struct{}
	wg         sync.WaitGroup
}

// NewOutputDrainer starts draining output until it is closed, ctx is done or
// Cancel is called. w may be nil.
func NewOutputDrainer(ctx context.Context, output <-chan OutputRecord, logger *logrus.Logger, w io.Writer) *OutputDrainer {
	if w == nil {
		w = io.Discard
	}
	d := &OutputDrainer{logger: logger, w: w, stop: make(chan struct{})}

	d.wg.Add(1)
	groutine.Go(ctx, "lua-output-drainer", func(ctx context.Context) {
		defer d.wg.Done()
		defer logger.Debugf("%s: exiting", groutine.Name(ctx))

		for {
			select {
			case rec, ok := <-output:
				if !ok {
					return
				}
				d.write(rec)
			case <-d.stop:
				d.drain(output, "stop")
				return
			case <-ctx.Done():
				d.drain(output, "context-done")
				return
			}
		}
	})
	return d
}

// Cancel stops the drainer after flushing what is buffered.
func (d *OutputDrainer) Cancel() {
	d.cancelOnce.Do(func() { close(d.stop) })
}

// Wait blocks until the drainer exited.
func (d *OutputDrainer) Wait() {
	d.wg.Wait()
}

func (d *OutputDrainer) write(rec OutputRecord) {
	line := strings.TrimRight(rec.Content, "\n")
	entry := d.logger.WithField("source", "lua")
	if rec.Source == "stderr" {
		entry.Warn(line)
	} else {
		entry.Info(line)
	}
	if _, err := fmt.Fprint(d.w, rec.Content); err != nil {
		d.logger.WithError(err).Warn("Lua output write failed")
	}
}

// drain flushes buffered records, giving up after drainTimeout.
func (d *OutputDrainer) drain(output <-chan OutputRecord, reason string) {
	deadline := time.After(drainTimeout)
	drained := 0
	defer func() {
		d.logger.WithFields(logrus.Fields{"reason": reason, "drained": drained}).Debug("Lua output drained")
	}()
	for {
		select {
		case rec, ok := <-output:
			if !ok {
				return
			}
			drained++
			d.write(rec)
		case <-deadline:
			return
		default:
			return
		}
	}
}
