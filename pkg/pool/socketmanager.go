package pool

import (
	"fmt"
	"os"
	"path/filepath"
)

// SocketManager generates and cleans up the per-slot data-socket paths the
// supervisor hands each worker via the launch environment.
type SocketManager struct {
	dir         string
	prefix      string
	permissions os.FileMode
}

// NewSocketManager creates a SocketManager from SocketConfig.
func NewSocketManager(cfg SocketConfig) *SocketManager {
	return &SocketManager{
		dir:         cfg.Dir,
		prefix:      cfg.Prefix,
		permissions: os.FileMode(cfg.Permissions),
	}
}

// DataSocketPath returns the data-socket path for slotID.
func (sm *SocketManager) DataSocketPath(slotID int) string {
	filename := fmt.Sprintf("%s-data-%d.sock", sm.prefix, slotID)
	return filepath.Join(sm.dir, filename)
}

// EnsureSocketDir creates the socket directory if it does not already exist.
func (sm *SocketManager) EnsureSocketDir() error {
	if err := os.MkdirAll(sm.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	return nil
}

// CleanupSocket removes a socket file if it exists; a missing file is not
// an error since the worker may never have bound it.
func (sm *SocketManager) CleanupSocket(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove socket file: %w", err)
	}
	return nil
}

// CleanupAllSockets removes every data-socket file matching this manager's
// prefix, called once at startup in case a previous run crashed without
// cleaning up.
func (sm *SocketManager) CleanupAllSockets() error {
	pattern := filepath.Join(sm.dir, fmt.Sprintf("%s-data-*.sock", sm.prefix))

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("failed to glob socket files: %w", err)
	}

	var lastErr error
	for _, socketPath := range matches {
		if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
			lastErr = fmt.Errorf("failed to remove socket %s: %w", socketPath, err)
		}
	}
	return lastErr
}
