// Package scope owns background timers for one session. Every timer started
// through a Scope stops when the Scope is closed, and a callback that fires
// after Close never runs.
package scope

import (
	"context"
	"sync"
	"time"
)

// Scope owns a set of timers and goroutines.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a scope bound to parent.
func New(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{ctx: ctx, cancel: cancel}
}

// Context is cancelled when the scope closes.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Closed reports whether Close was called.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close cancels every timer and waits for running callbacks to return.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Go runs fn in a goroutine owned by the scope. It is a no-op after Close.
func (s *Scope) Go(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

// Handle controls one timer started by the scope.
type Handle struct {
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func newHandle() *Handle {
	return &Handle{stop: make(chan struct{}), done: make(chan struct{})}
}

// Stop cancels the timer. Safe to call more than once.
func (h *Handle) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// Done is closed once the timer goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func stoppedHandle() *Handle {
	h := newHandle()
	h.Stop()
	close(h.done)
	return h
}

// Every calls fn every interval until fn returns false, the handle is
// stopped or the scope closes.
func (s *Scope) Every(interval time.Duration, fn func(ctx context.Context) bool) *Handle {
	h := newHandle()
	started := s.Go(func(ctx context.Context) {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				if !fn(ctx) {
					return
				}
			}
		}
	})
	if !started {
		return stoppedHandle()
	}
	return h
}

// Debouncer runs fn once after a quiet period; each Trigger restarts the wait.
type Debouncer struct {
	scope *Scope
	delay time.Duration
	fn    func(ctx context.Context)

	mu    sync.Mutex
	timer *time.Timer
}

// NewDebouncer creates a debouncer owned by the scope.
func (s *Scope) NewDebouncer(delay time.Duration, fn func(ctx context.Context)) *Debouncer {
	return &Debouncer{scope: s, delay: delay, fn: fn}
}

// Trigger (re)starts the quiet period. It is a no-op after the scope closes.
func (d *Debouncer) Trigger() {
	if d.scope.Closed() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.scope.Go(func(ctx context.Context) {
			if ctx.Err() != nil {
				return
			}
			d.fn(ctx)
		})
	})
}

// Cancel drops a pending call.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
