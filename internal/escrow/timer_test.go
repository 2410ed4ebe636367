package escrow

import (
	"context"
	"testing"
	"time"
)

func TestTimerStopWaitJoinsLoop(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, newMockWallets(), nil, nil)
	timer := NewTimer(svc, store, time.Hour, nil)

	go timer.Start(context.Background())
	waitFor(t, timer.Running)

	timer.Stop()
	timer.Wait()
	if timer.Running() {
		t.Fatal("loop still running after Wait returned")
	}
}

func TestTimerWaitWithoutStartReturns(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, newMockWallets(), nil, nil)
	timer := NewTimer(svc, store, time.Hour, nil)

	done := make(chan struct{})
	go func() {
		timer.Stop()
		timer.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait blocked for a timer that was never started")
	}
}

func TestReconcileTimerStopWaitJoinsLoop(t *testing.T) {
	f := newReconcilerFixture(t)
	timer := NewReconcileTimer(f.reconciler, time.Hour, nil)

	go timer.Start(context.Background())
	waitFor(t, timer.Running)

	timer.Stop()
	timer.Wait()
	if timer.Running() {
		t.Fatal("loop still running after Wait returned")
	}
}

func TestReconcileTimerWaitWithoutStartReturns(t *testing.T) {
	f := newReconcilerFixture(t)
	timer := NewReconcileTimer(f.reconciler, time.Hour, nil)

	done := make(chan struct{})
	go func() {
		timer.Stop()
		timer.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait blocked for a timer that was never started")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
