package testing

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroup_CollectsNoErrors(t *testing.T) {
	g := NewGroup(t)
	var ran atomic.Int32
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			ran.Add(1)
			return nil
		})
	}
	g.Wait()
	if ran.Load() != 8 {
		t.Errorf("ran = %d, want 8", ran.Load())
	}
}

func TestGroup_CollectsErrors(t *testing.T) {
	g := NewGroup(t)
	g.Go(func() error { return fmt.Errorf("boom") })
	g.Go(func() error { return nil })
	g.Errorf("direct %s", "failure")

	errs := g.collect()
	if len(errs) != 2 {
		t.Fatalf("collected %d errors, want 2: %v", len(errs), errs)
	}
}

func TestEventually_Succeeds(t *testing.T) {
	var flips atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		flips.Store(1)
	}()
	Eventually(t, 2*time.Second, func() bool { return flips.Load() == 1 }, "flag never flipped")
}

func TestWithTimeout_Expires(t *testing.T) {
	ctx := WithTimeout(t, 10*time.Millisecond)
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context never expired")
	}
}
