package testing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoroutineTest(t *testing.T) {
	gt := NewGoroutineTest(t)
	defer gt.Wait()

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		gt.Go(func() error {
			n.Add(1)
			return nil
		})
	}

	gt.Go(func() error {
		return Eventually(time.Second, 5*time.Millisecond, func() bool {
			return n.Load() >= 5
		})
	})
}

func TestGoroutineTestWithContext(t *testing.T) {
	gt := NewGoroutineTestWithTimeout(t, 5*time.Second)
	defer gt.Wait()

	gt.GoWithContext(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return nil
		}
	})
}

func TestEventually(t *testing.T) {
	var ready atomic.Bool

	go func() {
		time.Sleep(30 * time.Millisecond)
		ready.Store(true)
	}()

	if err := Eventually(time.Second, 5*time.Millisecond, ready.Load); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Error("expected failure for a condition that never holds")
	}
}

func TestReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if v, err := Receive(ch, time.Second); err != nil || v != 7 {
		t.Errorf("expected 7, got %d (%v)", v, err)
	}

	if _, err := Receive(ch, 10*time.Millisecond); err == nil {
		t.Error("expected timeout on an empty channel")
	}

	close(ch)
	if _, err := Receive(ch, time.Second); err == nil {
		t.Error("expected error on a closed channel")
	}
}
