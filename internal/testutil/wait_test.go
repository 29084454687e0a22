package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitForConditionMet(t *testing.T) {
	var n atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		n.Store(1)
	}()

	if !WaitFor(t, func() bool { return n.Load() == 1 }, WithTimeout(time.Second)) {
		t.Fatal("condition should have been met")
	}
}

func TestWaitForTimeout(t *testing.T) {
	start := time.Now()
	ok := WaitFor(t, func() bool { return false },
		WithTimeout(50*time.Millisecond), WithInterval(5*time.Millisecond))
	if ok {
		t.Fatal("condition should not have been met")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("returned before timeout elapsed")
	}
}
