package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prockeeper/prockeeper/internal/framing"
	"github.com/prockeeper/prockeeper/internal/protocol"
)

// pipeListener adapts a single net.Pipe into a net.Listener so
// ControlServer.Serve can be driven without a real socket file.
type pipeListener struct {
	conns  chan net.Conn
	closed chan struct{}
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn, 1), closed: make(chan struct{})}
}

func (p *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-p.conns:
		return c, nil
	case <-p.closed:
		return nil, net.ErrClosed
	}
}

func (p *pipeListener) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func (p *pipeListener) Addr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "pipe" }
func (fakeAddr) String() string  { return "pipe" }

func writeEnvelope(t *testing.T, framer *framing.Framer, cmd protocol.Cmd, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(cmd, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	codec := &JSONCodec{}
	data, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := framer.WriteFrame(framing.NewFrame(0, data)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func readEnvelope(t *testing.T, framer *framing.Framer) *protocol.Envelope {
	t.Helper()
	frame, err := framer.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var env protocol.Envelope
	codec := &JSONCodec{}
	if err := codec.Unmarshal(frame.Payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return &env
}

func TestControlServerHandshake(t *testing.T) {
	actor := NewActor(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	const fakePID = 4242
	actor.Do(func(s *State) {
		s.Slots[0].PID = fakePID
		s.Slots[0].State = SlotAwaitingRegister
	})

	listener := newPipeListener()
	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	srv := NewControlServer(actor, listener, AppConfig{BootstrapID: "app:create", BridgeID: "bridge", Env: "test"}, ProtocolConfig{}, logger)

	var gotFiles []string
	srv.OnFiles(func(slotID int, files []string) { gotFiles = files })

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	workerConn, serverConn := net.Pipe()
	listener.conns <- serverConn

	framer := framing.NewEnhancedFramer(workerConn)

	writeEnvelope(t, framer, protocol.CmdRegister, protocol.RegisterPayload{PID: fakePID, DataAddr: "unix:///tmp/worker0.sock"})

	bootstrapEnv := readEnvelope(t, framer)
	if bootstrapEnv.Cmd != protocol.CmdBootstrap {
		t.Fatalf("expected bootstrap, got %s", bootstrapEnv.Cmd)
	}
	var bp protocol.BootstrapPayload
	if err := bootstrapEnv.DecodePayload(&bp); err != nil {
		t.Fatalf("decode bootstrap payload: %v", err)
	}
	if bp.SlotID != 0 || bp.BootstrapID != "app:create" {
		t.Fatalf("unexpected bootstrap payload: %+v", bp)
	}

	state := View(actor, func(s *State) SlotState { return s.Slots[0].State })
	if state != SlotBootstrapping {
		t.Fatalf("expected slot to be bootstrapping, got %s", state)
	}

	writeEnvelope(t, framer, protocol.CmdFiles, protocol.FilesPayload{Files: []string{"app.py", "routes.py"}})
	writeEnvelope(t, framer, protocol.CmdReady, nil)

	deadline := time.After(2 * time.Second)
	for {
		state := View(actor, func(s *State) SlotState { return s.Slots[0].State })
		if state == SlotReady {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("slot never reached ready, stuck at %s", state)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if len(gotFiles) != 2 || gotFiles[0] != "app.py" {
		t.Fatalf("files callback did not observe contributed paths: %v", gotFiles)
	}

	_ = workerConn.Close()
	cancel()
}

func TestControlServerOnCloseInvokedOnDisconnect(t *testing.T) {
	actor := NewActor(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	const fakePID = 777
	actor.Do(func(s *State) {
		s.Slots[0].PID = fakePID
		s.Slots[0].State = SlotAwaitingRegister
	})

	listener := newPipeListener()
	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	srv := NewControlServer(actor, listener, AppConfig{}, ProtocolConfig{}, logger)

	closed := make(chan int, 1)
	srv.OnClose(func(slotID int) { closed <- slotID })

	go func() { _ = srv.Serve(ctx) }()

	workerConn, serverConn := net.Pipe()
	listener.conns <- serverConn

	framer := framing.NewEnhancedFramer(workerConn)
	writeEnvelope(t, framer, protocol.CmdRegister, protocol.RegisterPayload{PID: fakePID, DataAddr: "unix:///tmp/worker0.sock"})
	_ = readEnvelope(t, framer) // bootstrap

	_ = workerConn.Close()

	select {
	case slotID := <-closed:
		if slotID != 0 {
			t.Fatalf("expected OnClose for slot 0, got %d", slotID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was never invoked after the worker disconnected")
	}
}
