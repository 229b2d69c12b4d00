package scope_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/scope"
)

func TestEvery_StopsWhenCallbackReturnsFalse(t *testing.T) {
	s := scope.New(context.Background())
	defer s.Close()

	var calls int32
	h := s.Every(5*time.Millisecond, func(ctx context.Context) bool {
		return atomic.AddInt32(&calls, 1) < 3
	})

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestClose_CancelsTimers(t *testing.T) {
	s := scope.New(context.Background())

	var calls int32
	h := s.Every(time.Millisecond, func(ctx context.Context) bool {
		atomic.AddInt32(&calls, 1)
		return true
	})
	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case <-h.Done():
	default:
		t.Fatal("expected timer goroutine to have exited after Close")
	}

	after := atomic.LoadInt32(&calls)
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&calls) != after {
		t.Error("timer fired after Close")
	}
}

func TestEvery_AfterCloseIsNoop(t *testing.T) {
	s := scope.New(context.Background())
	s.Close()

	h := s.Every(time.Millisecond, func(ctx context.Context) bool {
		t.Error("callback must not run on a closed scope")
		return false
	})
	<-h.Done()
	if s.Go(func(context.Context) {}) {
		t.Error("Go must refuse work after Close")
	}
}

func TestDebouncer_CoalescesTriggers(t *testing.T) {
	s := scope.New(context.Background())
	defer s.Close()

	fired := make(chan struct{}, 10)
	d := s.NewDebouncer(20*time.Millisecond, func(ctx context.Context) {
		fired <- struct{}{}
	})

	for i := 0; i < 5; i++ {
		d.Trigger()
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("debounced call never fired")
	}
	select {
	case <-fired:
		t.Fatal("expected a single call")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDebouncer_NoopAfterClose(t *testing.T) {
	s := scope.New(context.Background())
	var calls int32
	d := s.NewDebouncer(5*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
	})
	s.Close()
	d.Trigger()
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("debouncer fired on a closed scope")
	}
}
