// Package groutine starts named goroutines. The name is attached as a pprof
// label and can be read back from the goroutine's context.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine with a name.
// If parentCtx is nil, context.Background() is used.
//
//	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
//	    // work
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, goroutineNameKey, name))
	})
}

// Name returns the goroutine name stored in ctx, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(goroutineNameKey).(string); ok {
		return s
	}
	return ""
}

// Group runs named goroutines sharing one cancelable context.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroup creates a group whose context derives from parent.
func NewGroup(parent context.Context) *Group {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context returns the group context.
func (g *Group) Context() context.Context { return g.ctx }

// Go starts fn as a named member of the group.
func (g *Group) Go(name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(g.ctx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Cancel cancels the group context.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until every goroutine of the group returned.
func (g *Group) Wait() { g.wg.Wait() }

// Stop cancels the group and waits for its goroutines.
func (g *Group) Stop() {
	g.cancel()
	g.wg.Wait()
}
