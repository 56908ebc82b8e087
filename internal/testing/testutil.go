// Package testing provides goroutine-safe helpers for hsport tests.
//
// t.Fatal and t.FailNow must only run on the test goroutine. Producers,
// blocking readers and reconnect loops report through these helpers instead.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Goroutines
// =============================================================================

// GoroutineTest collects errors returned by goroutines started with Go and
// reports them from Wait.
//
//	gt := testing.NewGoroutineTest(t)
//	defer gt.Wait()
//
//	gt.Go(func() error {
//	    return buf.Wait(ctx, id, 3, time.Second)
//	})
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	errs []error
}

// NewGoroutineTest creates a GoroutineTest without a deadline.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	return NewGoroutineTestWithTimeout(t, 0)
}

// NewGoroutineTestWithTimeout creates a GoroutineTest whose context expires
// after timeout. Zero means no deadline.
func NewGoroutineTestWithTimeout(t *testing.T, timeout time.Duration) *GoroutineTest {
	ctx, cancel := context.WithCancel(context.Background())
	if timeout > 0 {
		cancel()
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	}
	return &GoroutineTest{t: t, ctx: ctx, cancel: cancel}
}

// Go runs fn in a goroutine and records its error.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// GoWithContext runs fn with the helper's context. Wait cancels it after
// every goroutine returned.
func (gt *GoroutineTest) GoWithContext(fn func(ctx context.Context) error) {
	gt.Go(func() error { return fn(gt.ctx) })
}

// Wait waits for all goroutines and fails the test if any returned an error.
func (gt *GoroutineTest) Wait() {
	gt.wg.Wait()
	gt.cancel()

	gt.mu.Lock()
	errs := gt.errs
	gt.mu.Unlock()

	if len(errs) == 0 {
		return
	}
	for i, err := range errs {
		gt.t.Errorf("goroutine error [%d/%d]: %v", i+1, len(errs), err)
	}
	gt.t.FailNow()
}

// =============================================================================
// Polling
// =============================================================================

// Eventually polls condition every interval until it holds or timeout
// elapses.
//
//	err := testing.Eventually(time.Second, 10*time.Millisecond, func() bool {
//	    return sess.State() == session.StateDegraded
//	})
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

// Receive waits for one value from ch. It fails when ch is closed or
// nothing arrives within timeout.
func Receive[T any](ch <-chan T, timeout time.Duration) (T, error) {
	var zero T
	select {
	case v, ok := <-ch:
		if !ok {
			return zero, fmt.Errorf("channel closed")
		}
		return v, nil
	case <-time.After(timeout):
		return zero, fmt.Errorf("nothing received within %v", timeout)
	}
}
