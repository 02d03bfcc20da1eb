package pool

import (
	"context"
	"testing"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func TestLifecycleStateString(t *testing.T) {
	cases := map[LifecycleState]string{
		StateStarting:     "starting",
		StateRunning:      "running",
		StateReloading:    "reloading",
		StateEmergency:    "emergency",
		StateShuttingDown: "shutting_down",
		StateExited:       "exited",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("state %d: got %q, want %q", state, got, want)
		}
	}
}

func TestLifecycleShutdownIdempotent(t *testing.T) {
	cfg := &Config{
		Pool: PoolConfig{Workers: 1, Restart: RestartConfig{InitialBackoff: 1, MaxBackoff: 1, Multiplier: 2}},
		App:  AppConfig{Executable: "python3", WorkerScript: "./worker.py"},
	}
	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	l := NewLifecycle(cfg, nil, nil, logger)

	// actor is not running (Run was never called), but Shutdown only reads
	// the slot table through View/Do, which just blocks forever without a
	// consumer. Drive the actor manually for this narrower test.
	go l.actor.Run(testContext(t))

	if err := l.Shutdown(); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := l.Shutdown(); err != nil {
		t.Fatalf("second Shutdown should be a no-op: %v", err)
	}
	if l.State() != StateExited {
		t.Fatalf("expected state exited, got %s", l.State())
	}
}
