package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestManual_FiresInOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var order []int

	m.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	m.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	m.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	m.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected order after 2s: %v", order)
	}
	if m.Pending() != 1 {
		t.Errorf("expected 1 pending, got %d", m.Pending())
	}

	m.Advance(time.Second)
	if len(order) != 3 || order[2] != 3 {
		t.Errorf("unexpected order after 3s: %v", order)
	}
}

func TestManual_StopPreventsRun(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ran := false
	task := m.AfterFunc(time.Second, func() { ran = true })

	if !task.Stop() {
		t.Fatal("expected Stop to report true")
	}
	if task.Stop() {
		t.Error("second Stop should report false")
	}
	m.Advance(time.Minute)
	if ran {
		t.Error("stopped task ran")
	}
}

func TestManual_NestedScheduling(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		m.AfterFunc(time.Second, tick)
	}
	m.AfterFunc(time.Second, tick)

	m.Advance(5 * time.Second)
	if count != 5 {
		t.Errorf("expected 5 fires, got %d", count)
	}
	if got := m.Now(); !got.Equal(time.Unix(5, 0)) {
		t.Errorf("clock at %v, want 5s", got.Unix())
	}
}

func TestReal_AfterFunc(t *testing.T) {
	var fired atomic.Bool
	done := make(chan struct{})
	Real{}.AfterFunc(-time.Second, func() {
		fired.Store(true)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for real timer")
	}
	if !fired.Load() {
		t.Error("expected callback to run")
	}
}
