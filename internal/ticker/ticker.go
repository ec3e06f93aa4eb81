// Package ticker runs keyed recurring background tasks. Starting a key
// that is already running cancels and replaces the previous loop, so a
// caller can never end up with two concurrent timers for the same work.
package ticker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TaskFunc is one tick of work. The context is cancelled when the loop is
// stopped or replaced; long vendor calls inside fn should honor it.
type TaskFunc func(ctx context.Context)

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner owns all recurring loops for the process. The zero value is not
// usable; construct with New.
type Runner struct {
	mu    sync.Mutex
	loops map[string]*loop
}

func New() *Runner {
	return &Runner{loops: make(map[string]*loop)}
}

// Start launches a loop that runs fn every interval until stopped or
// replaced. The first tick fires after one full interval, not
// immediately. Any existing loop under the same key is stopped first and
// has fully exited before the new one is registered.
func (r *Runner) Start(key string, interval time.Duration, fn TaskFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}

	// Claim the key. If another loop holds it (including one registered by
	// a racing Start), evict it and wait for it to exit before retrying,
	// so exactly one loop survives no matter how Start calls interleave.
	for {
		r.mu.Lock()
		prev, ok := r.loops[key]
		if !ok {
			r.loops[key] = l
			r.mu.Unlock()
			break
		}
		delete(r.loops, key)
		r.mu.Unlock()

		prev.cancel()
		<-prev.done
	}

	go func() {
		defer close(l.done)

		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				fn(ctx)
				timer.Reset(interval)
			}
		}
	}()

	slog.Debug("ticker loop started", "key", key, "interval", interval)
}

// Stop cancels the loop for key and waits for its goroutine to exit.
// After Stop returns no further tick for key runs. Stopping an unknown
// key is a no-op.
func (r *Runner) Stop(key string) {
	r.mu.Lock()
	l, ok := r.loops[key]
	if ok {
		delete(r.loops, key)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	l.cancel()
	<-l.done
	slog.Debug("ticker loop stopped", "key", key)
}

// StopAll stops every loop. Used at process shutdown.
func (r *Runner) StopAll() {
	r.mu.Lock()
	loops := r.loops
	r.loops = make(map[string]*loop)
	r.mu.Unlock()

	for key, l := range loops {
		l.cancel()
		<-l.done
		slog.Debug("ticker loop stopped", "key", key)
	}
}

// Running reports whether a loop is registered under key.
func (r *Runner) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[key]
	return ok
}
