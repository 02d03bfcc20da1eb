package pool

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"
)

// HMACAuth authenticates control-plane connections over transports where
// SO_PEERCRED/LOCAL_PEERCRED has no meaning, namely the loopback-TCP
// fallback used when Unix domain sockets are unavailable (§4.3 of the
// spec). A worker that cannot answer the challenge is not a worker we
// forked and must not be trusted with the control protocol.
type HMACAuth struct {
	secret []byte
}

// NewHMACAuth creates an authenticator bound to secret.
func NewHMACAuth(secret []byte) *HMACAuth {
	return &HMACAuth{secret: secret}
}

// GenerateSecret returns a fresh random 32-byte secret, generated once per
// daemon run and handed to children via the worker-launch environment.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}

// AuthenticateClient runs the client side of the challenge/response
// handshake against an already-connected conn.
func (h *HMACAuth) AuthenticateClient(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	challenge := make([]byte, 32)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return fmt.Errorf("failed to read challenge: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	response := mac.Sum(nil)

	if _, err := conn.Write(response); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}

	result := make([]byte, 1)
	if _, err := io.ReadFull(conn, result); err != nil {
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	if result[0] != 1 {
		return fmt.Errorf("authentication failed")
	}
	return nil
}

// AuthenticateServer runs the server side of the challenge/response
// handshake against a freshly accepted conn.
func (h *HMACAuth) AuthenticateServer(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("failed to generate challenge: %w", err)
	}
	if _, err := conn.Write(challenge); err != nil {
		return fmt.Errorf("failed to send challenge: %w", err)
	}

	response := make([]byte, 32)
	if _, err := io.ReadFull(conn, response); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	expected := mac.Sum(nil)

	if !hmac.Equal(response, expected) {
		_, _ = conn.Write([]byte{0})
		return fmt.Errorf("HMAC verification failed")
	}
	if _, err := conn.Write([]byte{1}); err != nil {
		return fmt.Errorf("failed to send auth success: %w", err)
	}
	return nil
}

// HMACListener wraps a net.Listener (normally a loopback TCP listener) so
// every Accept performs the challenge/response handshake before handing
// the connection to the caller.
type HMACListener struct {
	net.Listener
	auth *HMACAuth
}

// NewHMACListener wraps listener with HMAC authentication bound to secret.
func NewHMACListener(listener net.Listener, secret []byte) *HMACListener {
	return &HMACListener{Listener: listener, auth: NewHMACAuth(secret)}
}

// Accept accepts a connection and authenticates it before returning.
func (l *HMACListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if err := l.auth.AuthenticateServer(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("control connection authentication failed: %w", err)
	}
	return conn, nil
}

// DialAuthenticated dials a control-plane TCP fallback address and
// performs the client side of the handshake, for use by workers launched
// without Unix domain socket support.
func DialAuthenticated(network, address string, secret []byte) (net.Conn, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	if err := NewHMACAuth(secret).AuthenticateClient(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return conn, nil
}

// SecretFromString derives a fixed-length secret from an operator-supplied
// passphrase.
func SecretFromString(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

// SecretFromHex decodes a hex-encoded secret from config or environment,
// such as the PROCKEEPER_CONTROL_SECRET value Supervisor passes to workers.
func SecretFromHex(hexStr string) ([]byte, error) {
	return hex.DecodeString(hexStr)
}
