package pool

import (
	"context"
	"fmt"
	"net"
	"time"
)

const dialRetryInterval = 100 * time.Millisecond

// dialDataSocketWithRetry connects to a worker's data socket, retrying on
// connection refused for up to timeout. A freshly-registered worker can
// take a moment to bind its data listener after sending ready, and the
// dispatcher would otherwise race it.
func dialDataSocketWithRetry(socketPath string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to worker at %s after %v: %w", socketPath, timeout, err)
		case <-time.After(dialRetryInterval):
		}
	}
}
