package protocol

import "testing"

func TestNewEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(CmdRegister, RegisterPayload{PID: 42, DataAddr: "/tmp/slot-0.sock"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Cmd != CmdRegister {
		t.Fatalf("expected cmd register, got %s", env.Cmd)
	}

	var payload RegisterPayload
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.PID != 42 || payload.DataAddr != "/tmp/slot-0.sock" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestNewEnvelopeNoPayload(t *testing.T) {
	env, err := NewEnvelope(CmdReady, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if len(env.Payload) != 0 {
		t.Fatalf("expected empty payload, got %q", env.Payload)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := &Envelope{Cmd: CmdReady}
	var payload RegisterPayload
	if err := env.DecodePayload(&payload); err == nil {
		t.Fatal("expected error decoding empty payload")
	}
}

func TestValidCmd(t *testing.T) {
	for _, cmd := range []Cmd{CmdRegister, CmdBootstrap, CmdReady, CmdFiles, CmdLog, CmdStatus} {
		if !ValidCmd(cmd) {
			t.Fatalf("expected %s to be valid", cmd)
		}
	}
	if ValidCmd(Cmd("exfiltrate")) {
		t.Fatal("expected unknown cmd to be invalid")
	}
}

func TestErrProtocolViolation(t *testing.T) {
	err := &ErrProtocolViolation{Reason: "unknown cmd bogus"}
	if err.Error() != "control protocol violation: unknown cmd bogus" {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}
