package pool

import (
	"context"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// LifecycleState is the top-level state of the pool daemon, per §4.7 of
// the spec.
type LifecycleState int32

const (
	StateStarting LifecycleState = iota
	StateRunning
	StateReloading
	StateEmergency
	StateShuttingDown
	StateExited
)

func (s LifecycleState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReloading:
		return "reloading"
	case StateEmergency:
		return "emergency"
	case StateShuttingDown:
		return "shutting_down"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Lifecycle wires the actor, supervisor, control-plane server, scheduler,
// dispatcher, and file watcher into a single runnable daemon and owns the
// top-level state machine and signal handling.
type Lifecycle struct {
	cfg    *Config
	logger *Logger

	actor      *Actor
	supervisor *Supervisor
	control    *ControlServer
	scheduler  *Scheduler
	dispatcher *Dispatcher
	watcher    *Watcher
	metrics    *Metrics
	socketMgr  *SocketManager

	mu     sync.Mutex
	state  LifecycleState
	runCtx context.Context
}

// NewLifecycle assembles a Lifecycle from cfg. controlListener is the
// already-bound control-plane socket (normally a *SecureListener, or an
// *HMACListener when cfg.Socket.Transport is "tcp"). ctrlSecret must be the
// same secret the listener was constructed with in the "tcp" case, and nil
// otherwise, so spawned workers can authenticate themselves.
func NewLifecycle(cfg *Config, controlListener net.Listener, ctrlSecret []byte, logger *Logger) *Lifecycle {
	actor := NewActor(cfg.Pool.Workers)
	socketMgr := NewSocketManager(cfg.Socket)
	supervisor := NewSupervisor(cfg.App, cfg.Pool.Restart, controlAddrString(controlListener), socketMgr, ctrlSecret, logger)
	control := NewControlServer(actor, controlListener, cfg.App, cfg.Protocol, logger)
	watcher := NewWatcher(actor, cfg.Watcher, logger)
	scheduler := NewScheduler(actor, cfg.Dispatcher)
	metrics := NewMetrics(actor)
	dispatcher := NewDispatcher(cfg.Dispatcher, scheduler, metrics, logger)

	l := &Lifecycle{
		cfg:        cfg,
		logger:     logger.WithComponent("lifecycle"),
		actor:      actor,
		supervisor: supervisor,
		control:    control,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		watcher:    watcher,
		metrics:    metrics,
		socketMgr:  socketMgr,
		state:      StateStarting,
		runCtx:     context.Background(),
	}

	control.OnFiles(func(slotID int, files []string) { watcher.AddFiles(files) })
	control.OnClose(func(slotID int) { l.failSlot(l.context(), slotID) })
	scheduler.OnRecycle(func(slotID int) { l.closeSlotConn(slotID) })
	watcher.OnChange(func() { go l.RollingRestart(l.context()) })

	return l
}

// context returns the context Run was invoked with, for callbacks that are
// registered in NewLifecycle but fire after Run has replaced the
// placeholder background context.
func (l *Lifecycle) context() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runCtx
}

func controlAddrString(listener net.Listener) string {
	if listener == nil {
		return ""
	}
	return listener.Addr().String()
}

func (l *Lifecycle) setState(s LifecycleState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.logger.Info("lifecycle state transition", "state", s.String())
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Run starts the actor, control-plane server, watcher (debug mode only),
// spawns the initial fleet of workers, and blocks until ctx is cancelled or
// a terminating signal arrives, then performs a graceful shutdown.
func (l *Lifecycle) Run(ctx context.Context, dispatchListener net.Listener) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	l.mu.Lock()
	l.runCtx = ctx
	l.mu.Unlock()

	if err := l.socketMgr.EnsureSocketDir(); err != nil {
		l.logger.Warn("failed to ensure socket directory", "error", err)
	}
	if err := l.socketMgr.CleanupAllSockets(); err != nil {
		l.logger.Warn("failed to clean up stale data sockets", "error", err)
	}

	// The actor outlives ctx so Shutdown can still reach the slot table
	// after a signal has cancelled ctx.
	actorCtx, stopActor := context.WithCancel(context.Background())
	defer stopActor()
	go l.actor.Run(actorCtx)
	go func() {
		if err := l.control.Serve(ctx); err != nil {
			l.logger.Error("control server exited", "error", err)
		}
	}()
	if l.cfg.Watcher.Debug {
		go l.watcher.Run(ctx)
	}
	go func() {
		if err := l.metrics.Serve(ctx, l.cfg.Metrics); err != nil {
			l.logger.Error("metrics server exited", "error", err)
		}
	}()

	for i := 0; i < l.cfg.Pool.Workers; i++ {
		if err := l.spawnSlot(ctx, i); err != nil {
			l.logger.Error("initial spawn failed", "slot", i, "error", err)
		}
	}

	l.setState(StateRunning)

	dispatchErr := make(chan error, 1)
	go func() { dispatchErr <- l.dispatcher.Serve(ctx, dispatchListener) }()

	select {
	case <-ctx.Done():
	case err := <-dispatchErr:
		if err != nil {
			l.logger.Error("dispatcher exited unexpectedly", "error", err)
		}
	}

	return l.Shutdown()
}

// spawnSlot forks a worker for slotID, records it as awaiting register, and
// starts the watcher goroutine that detects a crash before the worker ever
// registers (§4.2: "the supervisor detects exit via procHandle").
func (l *Lifecycle) spawnSlot(ctx context.Context, slotID int) error {
	handle, dataAddr, err := l.supervisor.Spawn(ctx, slotID)
	if err != nil {
		return err
	}
	l.actor.Do(func(s *State) {
		slot := s.Slots[slotID]
		slot.Handle = handle
		slot.PID = handle.Cmd.Process.Pid
		slot.DataAddr = dataAddr
		slot.State = SlotAwaitingRegister
		slot.InFlight = 0
		slot.Served = 0
		slot.CloseWhenFree = false
	})

	go func() {
		<-handle.Exited()
		l.failSlot(ctx, slotID)
	}()

	return nil
}

// failSlot is the single entry point for "this slot's worker is gone",
// whichever of the two ways we can learn that fires first: the control
// connection closing (ControlServer.OnClose) or the process exiting on its
// own (the watcher goroutine started in spawnSlot). It is idempotent: a
// slot already respawning or already torn down is left alone, so whichever
// signal arrives first wins and the other becomes a no-op (§4.2 "on
// controlConn close").
func (l *Lifecycle) failSlot(ctx context.Context, slotID int) {
	if l.State() == StateShuttingDown || l.State() == StateExited {
		return
	}

	var handle *ProcessHandle
	var wasBootstrapping bool
	handled := false

	l.actor.Do(func(s *State) {
		slot := s.Slots[slotID]
		switch slot.State {
		case SlotSpawning, SlotDead:
			handled = true
			return
		}
		wasBootstrapping = slot.State == SlotBootstrapping
		handle = slot.Handle
		slot.Handle = nil
		slot.Conn = nil
		if slot.State != SlotKeepClosed {
			slot.State = SlotDead
		}
	})
	if handled {
		return
	}

	if handle != nil {
		if err := l.supervisor.Kill(handle, 5*time.Second); err != nil {
			l.logger.WithSlot(slotID).Warn("failed to force-kill crashed worker", "error", err)
		}
	}

	if wasBootstrapping {
		l.bootstrapFailed(ctx, slotID)
		return
	}

	l.respawnAfterFailure(ctx, slotID)
}

// bootstrapFailed implements §4.2.1: a worker that never reached Ready
// either trips emergency mode (debug) or respawns through the standard
// back-off path.
func (l *Lifecycle) bootstrapFailed(ctx context.Context, slotID int) {
	l.actor.Do(func(s *State) { s.Slots[slotID].BootstrapFailures++ })

	if l.cfg.Watcher.Debug {
		l.enterEmergencyMode(ctx)
		return
	}

	l.respawnAfterFailure(ctx, slotID)
}

// enterEmergencyMode forces every slot closed and holds the pool at zero
// workers until the file watcher observes a change (§4.2.1, §4.6 step 2).
func (l *Lifecycle) enterEmergencyMode(ctx context.Context) {
	l.logger.Error("entering emergency mode: holding all slots closed pending a code change")

	var handles []*ProcessHandle
	l.actor.Do(func(s *State) {
		s.EmergencyMode = true
		for _, slot := range s.Slots {
			if slot.Handle != nil {
				handles = append(handles, slot.Handle)
			}
			slot.Handle = nil
			slot.Conn = nil
			slot.State = SlotKeepClosed
		}
	})
	l.setState(StateEmergency)

	for _, h := range handles {
		if err := l.supervisor.Kill(h, 5*time.Second); err != nil {
			l.logger.Warn("failed to kill worker entering emergency mode", "error", err)
		}
	}
}

// respawnAfterFailure applies the back-off policy (§4.2.2) and retries
// spawnSlot, holding the slot KeepClosed once MaxAttempts is exhausted.
func (l *Lifecycle) respawnAfterFailure(ctx context.Context, slotID int) {
	if l.State() == StateEmergency {
		// enterEmergencyMode already closed every slot; the file watcher
		// is the only path back out.
		return
	}

	failures := View(l.actor, func(s *State) int { return s.Slots[slotID].BootstrapFailures })

	if l.supervisor.ExhaustedAttempts(failures) {
		l.actor.Do(func(s *State) { s.Slots[slotID].State = SlotKeepClosed })
		l.logger.Error("slot exhausted respawn attempts, holding closed", "slot", slotID, "failures", failures)
		return
	}

	if failures > 0 {
		delay := l.supervisor.Backoff(failures)
		l.logger.Info("waiting before respawn", "slot", slotID, "delay", delay, "failures", failures)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	if err := l.spawnSlot(ctx, slotID); err != nil {
		l.actor.Do(func(s *State) { s.Slots[slotID].BootstrapFailures++ })
		l.logger.Error("respawn failed", "slot", slotID, "error", err)
		go l.respawnAfterFailure(ctx, slotID)
	}
}

// closeSlotConn closes a slot's control connection, funneling a scheduler
// recycle decision (max-requests, or a rolling restart's close-when-free)
// through the same teardown path as a genuine crash: ControlServer's read
// loop observes the close and calls OnClose.
func (l *Lifecycle) closeSlotConn(slotID int) {
	var conn net.Conn
	l.actor.Do(func(s *State) { conn = s.Slots[slotID].Conn })
	if conn != nil {
		_ = conn.Close()
	}
}

// RespawnSlot is exposed for callers (tests, other components) that want
// to trigger the standard non-bootstrap respawn path directly.
func (l *Lifecycle) RespawnSlot(ctx context.Context, slotID int) {
	l.respawnAfterFailure(ctx, slotID)
}

// RollingRestart implements §4.6: drain and respawn every slot, clearing
// KeepClosed (so emergency mode recovers) and resetting per-slot failure
// bookkeeping.
func (l *Lifecycle) RollingRestart(ctx context.Context) {
	if l.State() == StateReloading {
		return
	}
	l.setState(StateReloading)
	defer func() {
		l.actor.Do(func(s *State) { s.EmergencyMode = false })
		if l.State() != StateShuttingDown && l.State() != StateExited {
			l.setState(StateRunning)
		}
	}()

	n := View(l.actor, func(s *State) int { return len(s.Slots) })
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.drainAndRespawn(ctx, i)
		}()
	}
	wg.Wait()
}

func (l *Lifecycle) drainAndRespawn(ctx context.Context, slotID int) {
	var conn net.Conn
	var closeNow, needsSpawn bool

	l.actor.Do(func(s *State) {
		slot := s.Slots[slotID]
		slot.BootstrapFailures = 0

		switch {
		case slot.Conn != nil:
			// Mark not-ready and let the existing connection close on its
			// own schedule: now if idle (step 3), once inFlight drains to
			// zero otherwise (step 4, via Scheduler.OnRecycle).
			slot.State = SlotDraining
			slot.CloseWhenFree = true
			conn = slot.Conn
			closeNow = slot.InFlight == 0
		case slot.Handle != nil:
			// Mid-handshake (no control connection yet): leave State
			// alone so awaitRegister's pid/state match still succeeds
			// once register arrives.
		default:
			// No process and no connection at all (emergency mode, or a
			// slot that exhausted its respawn attempts): clears
			// KeepClosed and spawns directly (step 5).
			slot.State = SlotDead
			needsSpawn = true
		}
	})

	if closeNow && conn != nil {
		_ = conn.Close()
	}
	if needsSpawn {
		if err := l.spawnSlot(ctx, slotID); err != nil {
			l.logger.Error("rolling restart respawn failed", "slot", slotID, "error", err)
		}
	}
}

// Shutdown stops every worker and marks the daemon exited. It is safe to
// call more than once.
func (l *Lifecycle) Shutdown() error {
	if l.State() == StateExited {
		return nil
	}
	l.setState(StateShuttingDown)

	n := View(l.actor, func(s *State) int { return len(s.Slots) })
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			var handle *ProcessHandle
			l.actor.Do(func(s *State) { handle = s.Slots[i].Handle })
			if handle != nil {
				if err := l.supervisor.Kill(handle, 5*time.Second); err != nil {
					l.logger.Warn("failed to stop worker during shutdown", "slot", i, "error", err)
				}
			}
		}()
	}
	wg.Wait()

	l.setState(StateExited)
	return nil
}
