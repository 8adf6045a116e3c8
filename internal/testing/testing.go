// Package testing provides shared test helpers.
//
// t.Fatal in a spawned goroutine calls runtime.Goexit on the wrong
// goroutine; helpers here collect errors over a channel instead and
// report them from the test goroutine.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Goroutine Error Collection
// =============================================================================

// Group runs test goroutines and collects their errors.
//
// Usage:
//
//	g := argustesting.NewGroup(t)
//	for i := 0; i < 10; i++ {
//	    g.Go(func() error { return doWork() })
//	}
//	g.Wait()
type Group struct {
	t      *testing.T
	wg     sync.WaitGroup
	errors chan error
}

// NewGroup creates a goroutine group for one test.
func NewGroup(t *testing.T) *Group {
	return &Group{
		t:      t,
		errors: make(chan error, 100),
	}
}

// Go runs fn in a goroutine; a non-nil return fails the test at Wait.
func (g *Group) Go(fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			select {
			case g.errors <- err:
			default:
				// Buffer full; the test still fails on the recorded ones.
			}
		}
	}()
}

// Errorf records a failure from a goroutine without ending it.
func (g *Group) Errorf(format string, args ...any) {
	select {
	case g.errors <- fmt.Errorf(format, args...):
	default:
	}
}

// Wait joins every goroutine and reports collected errors.
func (g *Group) Wait() {
	g.t.Helper()
	for _, err := range g.collect() {
		g.t.Errorf("goroutine error: %v", err)
	}
}

func (g *Group) collect() []error {
	g.wg.Wait()
	close(g.errors)
	var errs []error
	for err := range g.errors {
		errs = append(errs, err)
	}
	return errs
}

// =============================================================================
// Polling
// =============================================================================

// Eventually polls cond until it returns true or the timeout expires.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WithTimeout returns a context that expires with the timeout and is
// canceled at test cleanup.
func WithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
