package pool

import (
	"net"
	"testing"
)

func TestHMACListenerAcceptsAuthenticatedClient(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	hl := NewHMACListener(ln, secret)

	acceptErr := make(chan error, 1)
	go func() {
		conn, err := hl.Accept()
		if err == nil {
			_ = conn.Close()
		}
		acceptErr <- err
	}()

	conn, err := DialAuthenticated("tcp", ln.Addr().String(), secret)
	if err != nil {
		t.Fatalf("DialAuthenticated: %v", err)
	}
	_ = conn.Close()

	if err := <-acceptErr; err != nil {
		t.Fatalf("server-side accept/auth failed: %v", err)
	}
}

func TestHMACListenerRejectsWrongSecret(t *testing.T) {
	secret, _ := GenerateSecret()
	wrongSecret, _ := GenerateSecret()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	hl := NewHMACListener(ln, secret)

	acceptErr := make(chan error, 1)
	go func() {
		_, err := hl.Accept()
		acceptErr <- err
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	auth := NewHMACAuth(wrongSecret)
	if err := auth.AuthenticateClient(conn); err == nil {
		t.Fatal("expected authentication with wrong secret to fail")
	}

	if err := <-acceptErr; err == nil {
		t.Fatal("expected server-side Accept to report authentication failure")
	}
}

func TestSecretFromStringDeterministic(t *testing.T) {
	a := SecretFromString("hunter2")
	b := SecretFromString("hunter2")
	if string(a) != string(b) {
		t.Fatal("SecretFromString must be deterministic for the same input")
	}
	if len(a) != 32 {
		t.Fatalf("expected a 32-byte secret, got %d bytes", len(a))
	}
}
