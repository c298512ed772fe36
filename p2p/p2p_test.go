package p2p

import (
	"testing"
	"time"

	"github.com/footsteps/footsteps/crypto"
)

func newTestServer(t *testing.T, name string) *Server {
	t.Helper()
	key, err := crypto.GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey: %v", err)
	}
	srv := NewServer(Config{Name: name, HandshakeTimeout: 2 * time.Second}, key)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

// connect joins two servers over an in-memory pipe, a dialing b.
func connect(t *testing.T, a, b *Server) (errA, errB error) {
	t.Helper()
	ca, cb := MsgPipe()
	errc := make(chan error, 1)
	go func() { errc <- b.AddConn(cb, true) }()
	errA = a.AddConn(ca, false)
	errB = <-errc
	return errA, errB
}

func mustConnect(t *testing.T, a, b *Server) {
	t.Helper()
	errA, errB := connect(t, a, b)
	if errA != nil || errB != nil {
		t.Fatalf("connect: %v / %v", errA, errB)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
