package wire

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/ha1tch/pglite/pkg/backend"
	"github.com/ha1tch/pglite/pkg/log"
)

func TestListenerAcceptsAndServesAConnection(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "pglite-listener-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	logger, err := log.NewConsoleAndFile(log.LevelOff, log.LevelOff, "", log.FormatText)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	pool := backend.NewPool(tmpDir, time.Minute, logger)
	defer pool.Close()

	ln := NewListener("127.0.0.1:0", pool, func() Authenticator { return NewCleartextAuthenticator("hunter2") }, nil, 5*time.Second, logger)

	addrCh := make(chan net.Addr, 1)
	go func() {
		// Serve binds synchronously on the first line, but Addr() isn't
		// safe to read until that bind has happened; poll briefly.
		for i := 0; i < 100; i++ {
			if a := ln.Addr(); a != nil {
				addrCh <- a
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		addrCh <- nil
	}()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- ln.Serve() }()

	var addr net.Addr
	select {
	case addr = <-addrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the listener to bind")
	}
	if addr == nil {
		t.Fatal("listener never exposed a bound address")
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("failed to dial the listener: %v", err)
	}
	defer conn.Close()

	fe := pgproto3.NewFrontend(conn, conn)
	startup := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "alice", "database": "app"},
	}
	if _, err := conn.Write(startup.Encode(nil)); err != nil {
		t.Fatalf("failed to write startup message: %v", err)
	}

	msg, err := fe.Receive()
	if err != nil {
		t.Fatalf("failed to receive a response from the accepted connection: %v", err)
	}
	if _, ok := msg.(*pgproto3.AuthenticationCleartextPassword); !ok {
		t.Fatalf("expected AuthenticationCleartextPassword, got %T", msg)
	}

	if err := ln.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-serveErrCh:
		if err != nil {
			t.Errorf("expected Serve to return nil after Close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Serve to return after Close")
	}
}

func TestListenerCloseBeforeServeIsANoOp(t *testing.T) {
	logger, err := log.NewConsoleAndFile(log.LevelOff, log.LevelOff, "", log.FormatText)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	ln := NewListener("127.0.0.1:0", nil, func() Authenticator { return NewCleartextAuthenticator("x") }, nil, time.Second, logger)
	if err := ln.Close(); err != nil {
		t.Errorf("expected Close before Serve to be a no-op, got %v", err)
	}
	if ln.Addr() != nil {
		t.Error("expected Addr to be nil before Serve binds")
	}
}
