package pool

import (
	"testing"
	"time"
)

func testSupervisor(restart RestartConfig) *Supervisor {
	socketMgr := NewSocketManager(SocketConfig{Dir: "/tmp", Prefix: "prockeeper-test"})
	return NewSupervisor(AppConfig{}, restart, "/tmp/test-control.sock", socketMgr, nil, NewLogger(LoggingConfig{Level: "error", Format: "text"}))
}

func TestSupervisorBackoffGrowsAndCaps(t *testing.T) {
	s := testSupervisor(RestartConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		Multiplier:     2.0,
	})

	got1 := s.Backoff(1)
	if got1 != 100*time.Millisecond {
		t.Fatalf("Backoff(1) = %v, want 100ms", got1)
	}

	got2 := s.Backoff(2)
	if got2 != 200*time.Millisecond {
		t.Fatalf("Backoff(2) = %v, want 200ms", got2)
	}

	got3 := s.Backoff(3)
	if got3 != 400*time.Millisecond {
		t.Fatalf("Backoff(3) = %v, want 400ms", got3)
	}

	// Large failure counts must clamp at MaxBackoff rather than overflow.
	got := s.Backoff(20)
	if got != 1*time.Second {
		t.Fatalf("Backoff(20) = %v, want capped at 1s", got)
	}
}

func TestSupervisorBackoffMonotonic(t *testing.T) {
	s := testSupervisor(RestartConfig{
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     1.5,
	})

	prev := time.Duration(0)
	for i := 1; i <= 10; i++ {
		cur := s.Backoff(i)
		if cur < prev {
			t.Fatalf("Backoff(%d) = %v is less than Backoff(%d) = %v, expected monotonic growth", i, cur, i-1, prev)
		}
		prev = cur
	}
}

func TestSupervisorExhaustedAttempts(t *testing.T) {
	unlimited := testSupervisor(RestartConfig{MaxAttempts: 0})
	if unlimited.ExhaustedAttempts(1000) {
		t.Fatal("MaxAttempts=0 must mean unlimited respawn attempts")
	}

	limited := testSupervisor(RestartConfig{MaxAttempts: 3})
	if limited.ExhaustedAttempts(2) {
		t.Fatal("failures below MaxAttempts must not be exhausted")
	}
	if !limited.ExhaustedAttempts(3) {
		t.Fatal("failures == MaxAttempts must be exhausted")
	}
	if !limited.ExhaustedAttempts(4) {
		t.Fatal("failures > MaxAttempts must be exhausted")
	}
}
