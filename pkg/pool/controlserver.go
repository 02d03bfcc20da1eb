package pool

import (
	"context"
	"fmt"
	"net"

	"github.com/prockeeper/prockeeper/internal/framing"
	"github.com/prockeeper/prockeeper/internal/protocol"
)

// ControlServer accepts worker connections on the control-plane socket and
// demultiplexes register/bootstrap/ready/files/log/status messages to the
// actor. A connection is unauthenticated, in the protocol sense, until its
// first message is a register; anything else closes the connection. Peer
// identity is already enforced by the listener this server is handed:
// SO_PEERCRED via a SecureListener on the Unix-socket transport, or an HMAC
// challenge/response via an HMACListener on the loopback-TCP transport.
type ControlServer struct {
	actor    *Actor
	listener net.Listener
	logger   *Logger
	app      AppConfig
	codec    Codec

	onFiles func(slotID int, files []string)
	onClose func(slotID int)
}

// NewControlServer wraps listener (normally a *SecureListener) with the
// control-protocol demuxer. The envelope codec is selected by proto.Codec
// (empty defaults to JSON); an unrecognized value falls back to JSON with a
// warning rather than failing startup.
func NewControlServer(actor *Actor, listener net.Listener, app AppConfig, proto ProtocolConfig, logger *Logger) *ControlServer {
	logger = logger.WithComponent("controlserver")
	codec, err := NewCodec(CodecType(proto.Codec))
	if err != nil {
		logger.Warn("unknown protocol codec, falling back to json", "codec", proto.Codec, "error", err)
		codec = &JSONCodec{}
	}
	return &ControlServer{
		actor:    actor,
		listener: listener,
		app:      app,
		codec:    codec,
		logger:   logger,
	}
}

// OnFiles registers a callback invoked whenever a worker contributes paths
// to the watch set via a files message.
func (c *ControlServer) OnFiles(fn func(slotID int, files []string)) {
	c.onFiles = fn
}

// OnClose registers a callback invoked whenever a slot's control connection
// is observed to close, whether because the worker crashed, was killed, or
// closed a connection deliberately marked for recycling. The callback is
// responsible for all teardown and respawn decisions (see
// Lifecycle.failSlot); ControlServer itself no longer mutates slot state on
// close.
func (c *ControlServer) OnClose(fn func(slotID int)) {
	c.onClose = fn
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (c *ControlServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.listener.Close()
	}()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("control listener accept: %w", err)
			}
		}
		go c.handleConn(conn)
	}
}

func (c *ControlServer) handleConn(conn net.Conn) {
	framer := framing.NewEnhancedFramer(conn)

	slotID, err := c.awaitRegister(framer, conn)
	if err != nil {
		c.logger.Warn("rejecting control connection", "error", err)
		_ = conn.Close()
		return
	}
	log := c.logger.WithSlot(slotID)

	bootstrap, err := protocol.NewEnvelope(protocol.CmdBootstrap, protocol.BootstrapPayload{
		SlotID:      slotID,
		BootstrapID: c.app.BootstrapID,
		BridgeID:    c.app.BridgeID,
		AppEnv:      c.app.Env,
	})
	if err != nil {
		log.Error("failed to build bootstrap envelope", "error", err)
		_ = conn.Close()
		return
	}
	if err := c.writeEnvelope(framer, bootstrap); err != nil {
		log.Error("failed to send bootstrap", "error", err)
		_ = conn.Close()
		return
	}
	c.actor.Do(func(s *State) { s.Slots[slotID].State = SlotBootstrapping })

	for {
		env, err := c.readEnvelope(framer)
		if err != nil {
			log.Info("control connection closed", "error", err)
			_ = conn.Close()
			if c.onClose != nil {
				c.onClose(slotID)
			}
			return
		}

		switch env.Cmd {
		case protocol.CmdReady:
			c.actor.Do(func(s *State) {
				slot := s.Slots[slotID]
				slot.State = SlotReady
				slot.BootstrapFailures = 0
			})
			log.Info("worker ready")

		case protocol.CmdFiles:
			var payload protocol.FilesPayload
			if err := env.DecodePayload(&payload); err != nil {
				log.Warn("malformed files payload", "error", err)
				continue
			}
			if c.onFiles != nil {
				c.onFiles(slotID, payload.Files)
			}

		case protocol.CmdLog:
			var payload protocol.LogPayload
			if err := env.DecodePayload(&payload); err != nil {
				log.Warn("malformed log payload", "error", err)
				continue
			}
			c.forwardLog(log, payload)

		case protocol.CmdStatus:
			var payload protocol.StatusRequestPayload
			if err := env.DecodePayload(&payload); err != nil {
				log.Warn("malformed status payload", "error", err)
				continue
			}
			resp := c.buildStatusResponse(slotID, payload.RequestID)
			if err := c.writeEnvelopeWithRequestID(framer, resp, payload.RequestID); err != nil {
				log.Warn("failed to write status response", "error", err)
			}

		default:
			log.Warn("protocol violation", "cmd", env.Cmd)
			_ = conn.Close()
			return
		}
	}
}

// awaitRegister reads exactly one message from a fresh connection and
// requires it to be a register, matching it by PID to the slot the
// supervisor is waiting to hear from. It attaches conn to that slot on
// success.
func (c *ControlServer) awaitRegister(framer *framing.Framer, conn net.Conn) (int, error) {
	env, err := c.readEnvelope(framer)
	if err != nil {
		return 0, fmt.Errorf("reading register: %w", err)
	}
	if env.Cmd != protocol.CmdRegister {
		return 0, &protocol.ErrProtocolViolation{Reason: fmt.Sprintf("expected register, got %s", env.Cmd)}
	}

	var reg protocol.RegisterPayload
	if err := env.DecodePayload(&reg); err != nil {
		return 0, fmt.Errorf("decoding register: %w", err)
	}

	slotID := -1
	c.actor.Do(func(s *State) {
		for _, slot := range s.Slots {
			if slot.PID == reg.PID && slot.State == SlotAwaitingRegister {
				slot.DataAddr = reg.DataAddr
				slot.Conn = conn
				slotID = slot.ID
				return
			}
		}
	})
	if slotID < 0 {
		return 0, fmt.Errorf("register from unknown pid %d", reg.PID)
	}
	return slotID, nil
}

func (c *ControlServer) buildStatusResponse(slotID int, requestID uint64) *protocol.Envelope {
	var served uint64
	c.actor.Do(func(s *State) { served = s.Slots[slotID].Served })

	env, _ := protocol.NewEnvelope(protocol.CmdStatus, protocol.StatusResponsePayload{
		RequestID: requestID,
		Served:    served,
	})
	return env
}

func (c *ControlServer) forwardLog(log *Logger, payload protocol.LogPayload) {
	switch payload.Level {
	case protocol.LogLevelDebug:
		log.Debug(payload.Message)
	case protocol.LogLevelWarn:
		log.Warn(payload.Message)
	case protocol.LogLevelError:
		log.Error(payload.Message)
	default:
		log.Info(payload.Message)
	}
}

// readEnvelope reads one enhanced, CRC32C-checked frame (internal/framing)
// off the wire and decodes its payload with the configured Codec.
func (c *ControlServer) readEnvelope(framer *framing.Framer) (*protocol.Envelope, error) {
	frame, err := framer.ReadFrame()
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := c.codec.Unmarshal(frame.Payload, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if !protocol.ValidCmd(env.Cmd) {
		return nil, &protocol.ErrProtocolViolation{Reason: fmt.Sprintf("unknown cmd %q", env.Cmd)}
	}
	return &env, nil
}

func (c *ControlServer) writeEnvelope(framer *framing.Framer, env *protocol.Envelope) error {
	return c.writeEnvelopeWithRequestID(framer, env, 0)
}

// writeEnvelopeWithRequestID encodes env with the configured Codec and
// writes it as an enhanced frame carrying requestID, so a status
// response can be matched to its request by internal/framing's
// multiplexing field rather than only by the envelope payload.
func (c *ControlServer) writeEnvelopeWithRequestID(framer *framing.Framer, env *protocol.Envelope, requestID uint64) error {
	data, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	return framer.WriteFrame(framing.NewFrame(requestID, data))
}
