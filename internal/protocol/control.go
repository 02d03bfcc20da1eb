// Package protocol defines the control-plane message types exchanged between
// the master process and a forked worker over its control connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Cmd identifies which control-protocol verb a message carries.
type Cmd string

const (
	// CmdRegister is sent worker→master once the worker is listening on its data socket.
	CmdRegister Cmd = "register"
	// CmdBootstrap is sent master→worker immediately after accepting register.
	CmdBootstrap Cmd = "bootstrap"
	// CmdReady is sent worker→master once application bootstrap has succeeded.
	CmdReady Cmd = "ready"
	// CmdFiles is sent worker→master to contribute paths to the source-file watch set.
	CmdFiles Cmd = "files"
	// CmdLog is sent worker→master to forward a log line to the operator.
	CmdLog Cmd = "log"
	// CmdStatus is a request/response verb; either side may initiate.
	CmdStatus Cmd = "status"
)

// Envelope is the outer shape of every control message: a verb plus a
// verb-specific payload. Decoding an unrecognized Cmd is a protocol
// violation and must close the connection.
type Envelope struct {
	Cmd     Cmd             `json:"cmd"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload is the body of a register message.
type RegisterPayload struct {
	PID      int    `json:"pid"`
	DataAddr string `json:"dataAddr"`
}

// BootstrapPayload is the body of a bootstrap message: the worker-launch
// contract fields the child needs to initialize its application.
type BootstrapPayload struct {
	SlotID      int    `json:"slotId"`
	BootstrapID string `json:"bootstrapId"`
	BridgeID    string `json:"bridgeId"`
	AppEnv      string `json:"appEnv"`
	Debug       bool   `json:"debug"`
}

// FilesPayload is the body of a files message.
type FilesPayload struct {
	Files []string `json:"files"`
}

// LogLevel mirrors the operator logger's leveling so forwarded worker log
// lines sort into the same severity buckets.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogPayload is the body of a log message.
type LogPayload struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// StatusRequestPayload is the body of a worker→master status request.
type StatusRequestPayload struct {
	RequestID uint64 `json:"requestId"`
}

// StatusResponsePayload is the body of a master→worker status response.
// Beyond these fields the schema is an intentional placeholder; extend it
// without changing the request/response shape.
type StatusResponsePayload struct {
	RequestID     uint64 `json:"requestId"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Served        uint64 `json:"served"`
}

// NewEnvelope marshals payload and wraps it with cmd.
func NewEnvelope(cmd Cmd, payload interface{}) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Cmd: cmd}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", cmd, err)
	}
	return &Envelope{Cmd: cmd, Payload: data}, nil
}

// DecodePayload unmarshals the envelope's payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty payload for cmd %s", e.Cmd)
	}
	return json.Unmarshal(e.Payload, v)
}

// ErrProtocolViolation is returned by decoders when a message cannot be
// interpreted as a valid control-protocol verb.
type ErrProtocolViolation struct {
	Reason string
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("control protocol violation: %s", e.Reason)
}

// ValidCmd reports whether cmd is a recognized verb.
func ValidCmd(cmd Cmd) bool {
	switch cmd {
	case CmdRegister, CmdBootstrap, CmdReady, CmdFiles, CmdLog, CmdStatus:
		return true
	default:
		return false
	}
}
