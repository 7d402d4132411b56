package wire

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ha1tch/pglite/pkg/backend"
	"github.com/ha1tch/pglite/pkg/log"
)

// Listener binds the configured address and spawns one handler per
// accepted connection. Failure to bind is fatal at startup;
// per-connection accept errors are merely logged.
type Listener struct {
	addr           string
	tlsConfig      *tls.Config
	pool           *backend.Pool
	authFactory    func() Authenticator
	backendTimeout time.Duration
	logger         *log.Logger

	ln net.Listener
}

// NewListener builds a Listener. authFactory is called once per
// accepted connection so each gets its own Authenticator instance (the
// bundled variants are stateless, but the seam allows future variants
// that aren't).
func NewListener(addr string, pool *backend.Pool, authFactory func() Authenticator, tlsConfig *tls.Config, backendTimeout time.Duration, logger *log.Logger) *Listener {
	return &Listener{
		addr:           addr,
		tlsConfig:      tlsConfig,
		pool:           pool,
		authFactory:    authFactory,
		backendTimeout: backendTimeout,
		logger:         logger,
	}
}

// Serve binds and accepts until the listener is closed. TLS here only
// wraps the initial accept socket for implementations that terminate
// TLS at accept time; this gateway instead performs the upgrade inline
// after the SSL peek (see Conn.negotiate), so ln is always a plain TCP
// listener regardless of tlsConfig.
func (l *Listener) Serve() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", l.addr, err)
	}
	l.ln = ln
	l.logger.System().Info("listening", "addr", l.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.System().Warn("accept error", "error", err)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		c := NewConn(conn, l.pool, l.authFactory(), l.tlsConfig, l.backendTimeout, l.logger)
		go c.Serve()
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	ln := l.ln
	l.ln = nil
	return ln.Close()
}

// Addr returns the bound network address, valid after Serve has started.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}
