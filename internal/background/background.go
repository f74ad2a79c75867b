// Package background starts and stops long running processes.
package background

import (
	"context"
	"sync"
	"time"
)

// Process runs until shutdown is closed
type Process interface {
	Run(shutdown <-chan struct{})
}

// ProcessFunc adapts a function to Process
type ProcessFunc func(shutdown <-chan struct{})

func (f ProcessFunc) Run(shutdown <-chan struct{}) { f(shutdown) }

// T is the handle of a started set of processes
type T struct {
	shutdown chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Start runs every process in its own goroutine
func Start(processes ...Process) *T {
	t := &T{shutdown: make(chan struct{})}
	for _, p := range processes {
		t.wg.Add(1)
		go func(p Process) {
			defer t.wg.Done()
			p.Run(t.shutdown)
		}(p)
	}
	return t
}

// Stop signals shutdown and waits until every process returned. Safe to call twice.
func (t *T) Stop() {
	t.once.Do(func() { close(t.shutdown) })
	t.wg.Wait()
}

// Every returns a Process calling fn once per interval. Each call gets its own
// goroutine, so a slow call does not delay the next tick. The context passed to
// fn is cancelled at shutdown, and shutdown waits for running calls.
func Every(interval time.Duration, fn func(ctx context.Context)) Process {
	return ProcessFunc(func(shutdown <-chan struct{}) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var running sync.WaitGroup
		defer running.Wait()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-shutdown:
				cancel()
				return
			case <-ticker.C:
				running.Add(1)
				go func() {
					defer running.Done()
					fn(ctx)
				}()
			}
		}
	})
}
