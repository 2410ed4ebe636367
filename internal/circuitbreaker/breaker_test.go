package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !b.Allow("wallet") {
			t.Fatalf("request %d should be allowed while closed", i)
		}
		b.RecordFailure("wallet")
	}

	if b.State("wallet") != StateOpen {
		t.Errorf("state = %v, want open", b.State("wallet"))
	}
	if b.Allow("wallet") {
		t.Error("open circuit should reject requests")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("wallet")

	if b.Allow("wallet") {
		t.Fatal("should be open immediately after trip")
	}

	time.Sleep(15 * time.Millisecond)

	if !b.Allow("wallet") {
		t.Fatal("should allow one probe after openDuration")
	}
	if b.State("wallet") != StateHalfOpen {
		t.Errorf("state = %v, want half_open", b.State("wallet"))
	}
	if b.Allow("wallet") {
		t.Error("second request during probe should be rejected")
	}

	b.RecordSuccess("wallet")
	if b.State("wallet") != StateClosed {
		t.Errorf("state = %v, want closed after successful probe", b.State("wallet"))
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := New(1, 5*time.Millisecond)
	b.RecordFailure("proc")
	time.Sleep(10 * time.Millisecond)
	if !b.Allow("proc") {
		t.Fatal("probe should be allowed")
	}
	b.RecordFailure("proc")
	if b.State("proc") != StateOpen {
		t.Errorf("state = %v, want open after failed probe", b.State("proc"))
	}
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	b := New(1, time.Hour)
	b.RecordFailure("a")
	if b.Allow("a") {
		t.Error("key a should be open")
	}
	if !b.Allow("b") {
		t.Error("key b should be unaffected")
	}
}
