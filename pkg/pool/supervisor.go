package pool

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"time"
)

// ProcessHandle tracks one spawned worker process. cmd.Wait() may only be
// called once per process, so Spawn starts the single goroutine that calls
// it; every other caller (Kill, the crash-detection watcher) observes
// completion through Exited() instead of calling Wait itself. This is the
// "procHandle" the supervisor uses to detect a worker that exits before it
// ever sends register (§4.2).
type ProcessHandle struct {
	Cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func (h *ProcessHandle) wait() {
	h.err = h.Cmd.Wait()
	close(h.exited)
}

// Exited returns a channel closed once the process has exited.
func (h *ProcessHandle) Exited() <-chan struct{} { return h.exited }

// ExitErr returns the error cmd.Wait() returned. Only meaningful once
// Exited() is closed.
func (h *ProcessHandle) ExitErr() error { return h.err }

// Supervisor owns the mechanics of forking, monitoring, and killing worker
// child processes for every slot; respawn decisions are made by the
// lifecycle controller. It never touches the slot table
// itself; callers (the lifecycle controller, the control-plane server on
// disconnect) route every observed transition through the Actor.
type Supervisor struct {
	app        AppConfig
	restart    RestartConfig
	logger     *Logger
	ctrlAddr   string // control-plane listen address, passed to each child
	socketMgr  *SocketManager
	ctrlSecret []byte // non-nil only when the control plane uses the HMAC-authenticated TCP transport
}

// NewSupervisor creates a Supervisor for the given application and restart
// policy. ctrlAddr is the address the control-plane server listens on,
// passed to every spawned worker so it knows where to register. ctrlSecret
// is nil for the Unix-domain-socket control transport, and the HMAC secret
// (hex-encoded into the child's environment) when the control plane is
// falling back to loopback TCP.
func NewSupervisor(app AppConfig, restart RestartConfig, ctrlAddr string, socketMgr *SocketManager, ctrlSecret []byte, logger *Logger) *Supervisor {
	return &Supervisor{
		app:        app,
		restart:    restart,
		logger:     logger.WithComponent("supervisor"),
		ctrlAddr:   ctrlAddr,
		socketMgr:  socketMgr,
		ctrlSecret: ctrlSecret,
	}
}

// Spawn starts a new child process for slot and returns a ProcessHandle for
// it along with the data-socket path it was told to bind. The caller is
// responsible for updating the slot's PID, Handle, DataAddr, and State
// under the actor.
func (s *Supervisor) Spawn(ctx context.Context, slotID int) (*ProcessHandle, string, error) {
	dataAddr := s.socketMgr.DataSocketPath(slotID)
	_ = s.socketMgr.CleanupSocket(dataAddr)

	cmd := exec.CommandContext(ctx, s.app.Executable, s.app.WorkerScript)

	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PROCKEEPER_SLOT_ID=%d", slotID),
		fmt.Sprintf("PROCKEEPER_CONTROL_ADDR=%s", s.ctrlAddr),
		fmt.Sprintf("PROCKEEPER_DATA_ADDR=%s", dataAddr),
		fmt.Sprintf("PROCKEEPER_BOOTSTRAP_ID=%s", s.app.BootstrapID),
		fmt.Sprintf("PROCKEEPER_BRIDGE_ID=%s", s.app.BridgeID),
		fmt.Sprintf("PROCKEEPER_ENV=%s", s.app.Env),
	)
	if s.ctrlSecret != nil {
		cmd.Env = append(cmd.Env, fmt.Sprintf("PROCKEEPER_CONTROL_SECRET=%s", hex.EncodeToString(s.ctrlSecret)))
	}
	for k, v := range s.app.ExtraEnv {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, "", fmt.Errorf("failed to open stderr pipe for slot %d: %w", slotID, err)
	}
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("failed to start worker for slot %d: %w", slotID, err)
	}

	s.logger.WithSlot(slotID).Info("worker process started", "pid", cmd.Process.Pid, "data_addr", dataAddr)

	handle := &ProcessHandle{Cmd: cmd, exited: make(chan struct{})}
	go handle.wait()
	go s.drainStderr(slotID, stderr)

	return handle, dataAddr, nil
}

// drainStderr forwards a worker's stderr to the structured logger in
// read-sized chunks of up to 4096 bytes (not split on line boundaries),
// tagging each chunk with the originating slot. It exits once the child
// closes the pipe (process exit).
func (s *Supervisor) drainStderr(slotID int, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.logger.WithSlot(slotID).Warn("worker stderr", "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// Backoff computes the respawn delay after the given number of consecutive
// bootstrap failures, per the back-off policy in §4.2.2: exponential growth
// capped at MaxBackoff. failures must be >= 1.
func (s *Supervisor) Backoff(failures int) time.Duration {
	delay := float64(s.restart.InitialBackoff) * math.Pow(s.restart.Multiplier, float64(failures-1))
	if delay > float64(s.restart.MaxBackoff) {
		return s.restart.MaxBackoff
	}
	return time.Duration(delay)
}

// ExhaustedAttempts reports whether failures has reached MaxAttempts.
// MaxAttempts == 0 means unlimited respawn attempts.
func (s *Supervisor) ExhaustedAttempts(failures int) bool {
	if s.restart.MaxAttempts == 0 {
		return false
	}
	return failures >= s.restart.MaxAttempts
}

// Kill terminates a worker process, escalating to SIGKILL if it does not
// exit within the grace period. Safe to call on a handle whose process has
// already exited.
func (s *Supervisor) Kill(handle *ProcessHandle, grace time.Duration) error {
	if handle == nil || handle.Cmd.Process == nil {
		return nil
	}

	select {
	case <-handle.Exited():
		return nil
	default:
	}

	if err := handle.Cmd.Process.Signal(os.Interrupt); err != nil {
		s.logger.Warn("failed to send interrupt to worker", "pid", handle.Cmd.Process.Pid, "error", err)
	}

	select {
	case <-handle.Exited():
		return nil
	case <-time.After(grace):
		s.logger.Warn("worker did not exit gracefully, killing", "pid", handle.Cmd.Process.Pid)
		if err := handle.Cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill worker pid %d: %w", handle.Cmd.Process.Pid, err)
		}
		<-handle.Exited()
		return nil
	}
}
