// Package safego provides panic-recovering goroutine launchers for background work.
package safego

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Go launches fn in a new goroutine. A panic in fn is recovered and logged with the
// task name instead of crashing the process. Use it for every fire-and-forget goroutine
// (audit shipping, background jobs, config reload callbacks).
func Go(task string, fn func()) {
	go run(task, fn)
}

func run(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background goroutine",
				"task", task, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Group tracks background goroutines so shutdown can wait for them to drain.
// The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go launches fn like the package-level Go and tracks it until it returns.
func (g *Group) Go(task string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(task, fn)
	}()
}

// Wait blocks until every tracked goroutine has returned or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
