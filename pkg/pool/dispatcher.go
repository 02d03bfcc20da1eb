package pool

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Dispatcher is the public-facing front end: it accepts client connections,
// asks the Scheduler for an eligible slot, and proxies bytes between the
// client and the worker's data socket without interpreting the
// application protocol running over it (§4.4 of the spec).
type Dispatcher struct {
	cfg       DispatcherConfig
	scheduler *Scheduler
	logger    *Logger
	metrics   *Metrics
	dial      func(addr string) (net.Conn, error)
}

// NewDispatcher creates a Dispatcher over scheduler. dial defaults to
// dialing slot.DataAddr as a Unix domain socket; tests may override it.
// metrics may be nil, in which case request accounting is skipped.
func NewDispatcher(cfg DispatcherConfig, scheduler *Scheduler, metrics *Metrics, logger *Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		scheduler: scheduler,
		logger:    logger.WithComponent("dispatcher"),
		metrics:   metrics,
		dial: func(addr string) (net.Conn, error) {
			return dialDataSocketWithRetry(addr, 2*time.Second)
		},
	}
}

// Serve accepts client connections on listener until ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("dispatcher accept: %w", err)
			}
		}
		go d.handleClient(ctx, conn)
	}
}

// handleClient begins buffering the client connection into memory
// immediately (§4.4 step 1), before a worker slot is even chosen, so a
// client is never stalled on its own send buffer while the scheduler is
// deciding. If the client disconnects before a slot frees up, the pending
// scheduler wait is cancelled and no slot state is touched (§4.4 step 4,
// §4.5).
func (d *Dispatcher) handleClient(ctx context.Context, client net.Conn) {
	defer func() { _ = client.Close() }()

	pr, pw := io.Pipe()
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = io.Copy(pw, client)
		_ = pw.Close()
	}()

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	go func() {
		select {
		case <-copyDone:
			cancelWait()
		case <-waitCtx.Done():
		}
	}()

	start := time.Now()
	slot := d.scheduler.Next(waitCtx)
	if slot == nil {
		// Client abandoned the wait (or the dispatcher is shutting down)
		// before any slot state was reserved on its behalf.
		return
	}

	worker, err := d.dial(slot.DataAddr)
	if err != nil {
		d.logger.WithSlot(slot.ID).Error("failed to dial worker data socket", "error", err)
		d.scheduler.Release(slot, false)
		return
	}
	defer func() { _ = worker.Close() }()

	served := d.splice(pr, client, worker, slot.ID)
	d.scheduler.Release(slot, served)

	elapsed := time.Since(start)
	if d.metrics != nil {
		d.metrics.RecordRequest(served, elapsed)
	}
	if d.cfg.SlowOpThreshold > 0 && elapsed > d.cfg.SlowOpThreshold {
		d.logger.WithSlot(slot.ID).Warn("slow request", "elapsed", elapsed)
	}
}

// splice drains clientBuf (the in-memory copy of everything the client has
// sent so far, still being filled by the background copy goroutine) into
// worker, and copies worker's responses back to client, until one side
// closes. It reports whether the worker appears to have served at least
// part of a response (used for request accounting, not framing).
func (d *Dispatcher) splice(clientBuf io.Reader, client, worker net.Conn, slotID int) bool {
	done := make(chan int64, 2)

	go func() {
		n, _ := io.Copy(worker, clientBuf)
		if c, ok := worker.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
		done <- n
	}()

	n, err := io.Copy(client, worker)
	if err != nil {
		d.logger.WithSlot(slotID).Debug("worker->client copy ended", "error", err)
	}
	<-done

	return n > 0
}
