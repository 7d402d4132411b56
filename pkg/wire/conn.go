package wire

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/ha1tch/pglite/pkg/backend"
	"github.com/ha1tch/pglite/pkg/errors"
	"github.com/ha1tch/pglite/pkg/log"
	"github.com/ha1tch/pglite/pkg/version"
)

// connState is the per-connection state machine: transitions are
// monotonic and no frame outside {AwaitingStartup, AuthenticationInProgress}
// reaches the Authenticator once Ready.
type connState int

const (
	stateAwaitingStartup connState = iota
	stateAuthInProgress
	stateReady
)

// Conn drives one accepted connection end to end: the pre-startup
// peeks, the Startup/Authenticator dance, then the message loop
// dispatching Query/Parse/Bind/Describe/Execute/Sync/Close/Terminate.
type Conn struct {
	id             uuid.UUID
	netConn        net.Conn
	tlsConfig      *tls.Config
	tlsActive      bool
	authenticated  bool
	pool           *backend.Pool
	auth           Authenticator
	logger         *log.Logger
	backendTimeout time.Duration

	state    connState
	metadata map[string]string
	portals  *portalStore
}

// ID returns the connection's stable identifier, generated once at
// accept time and unchanged for its lifetime.
func (c *Conn) ID() uuid.UUID { return c.id }

// NewConn wraps a freshly accepted socket. tlsConfig may be nil, in
// which case the SSL peek always answers 'N'.
func NewConn(netConn net.Conn, pool *backend.Pool, auth Authenticator, tlsConfig *tls.Config, backendTimeout time.Duration, logger *log.Logger) *Conn {
	return &Conn{
		id:             uuid.New(),
		netConn:        netConn,
		tlsConfig:      tlsConfig,
		pool:           pool,
		auth:           auth,
		logger:         logger,
		backendTimeout: backendTimeout,
		state:          stateAwaitingStartup,
		metadata:       make(map[string]string),
		portals:        newPortalStore(),
	}
}

// Serve runs the connection to completion: negotiation, authentication,
// then the message loop. It always closes the underlying socket before
// returning.
func (c *Conn) Serve() {
	defer c.netConn.Close()
	c.logger.System().Debug("connection accepted", "conn", c.id, "remote", c.netConn.RemoteAddr())

	stream := net.Conn(c.netConn)
	be := pgproto3.NewBackend(stream, stream)

	startup, err := c.negotiate(&stream, be)
	if err != nil {
		c.logger.System().Debug("connection negotiation ended", "remote", c.netConn.RemoteAddr(), "error", err)
		return
	}
	if startup == nil {
		return // cancel request or other non-startup terminal case
	}

	// stream may have been replaced by a TLS-wrapped conn during negotiate;
	// rebuild the backend codec over whatever it is now, and send every
	// later write through it too.
	be = pgproto3.NewBackend(stream, stream)
	c.netConn = stream

	c.state = stateAuthInProgress
	for k, v := range startup.Parameters {
		c.metadata[k] = v
	}

	if err := c.authenticate(be); err != nil {
		c.sendFatal(be, err)
		return
	}
	c.authenticated = true
	c.state = stateReady

	c.messageLoop(be)
}

// negotiate handles the pre-startup GSSENC/SSL peeks by looping on
// ReceiveStartupMessage, which decodes the `<i32 length><i32 magic>`
// preamble PostgreSQL clients send before the real StartupMessage. It
// returns the eventual StartupMessage, or a nil message (with nil
// error) for a CancelRequest, which this gateway does not support
// beyond a clean close.
func (c *Conn) negotiate(stream *net.Conn, be *pgproto3.Backend) (*pgproto3.StartupMessage, error) {
	for {
		msg, err := be.ReceiveStartupMessage()
		if err != nil {
			return nil, err
		}

		switch m := msg.(type) {
		case *pgproto3.GSSEncRequest:
			if _, err := (*stream).Write([]byte{'N'}); err != nil {
				return nil, err
			}
			continue

		case *pgproto3.SSLRequest:
			if c.tlsConfig == nil {
				if _, err := (*stream).Write([]byte{'N'}); err != nil {
					return nil, err
				}
				continue
			}
			if _, err := (*stream).Write([]byte{'S'}); err != nil {
				return nil, err
			}
			tlsConn := tls.Server(*stream, c.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return nil, fmt.Errorf("TLS handshake: %w", err)
			}
			*stream = tlsConn
			be = pgproto3.NewBackend(*stream, *stream)
			c.tlsActive = true
			continue

		case *pgproto3.StartupMessage:
			return m, nil

		case *pgproto3.CancelRequest:
			return nil, nil

		default:
			return nil, fmt.Errorf("unexpected startup message type %T", msg)
		}
	}
}

// authenticate runs the Authenticator contract: announce the
// method, wait for the password frame, verify, and on success merge the
// returned metadata and send the Ready-for-query sequence.
func (c *Conn) authenticate(be *pgproto3.Backend) error {
	var buf []byte
	switch c.auth.Method() {
	case "cleartext":
		buf = (&pgproto3.AuthenticationCleartextPassword{}).Encode(buf)
	default:
		return errors.Internal("unknown authenticator method").Err()
	}
	if _, err := c.netConn.Write(buf); err != nil {
		return err
	}

	msg, err := be.Receive()
	if err != nil {
		return err
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return errors.AuthFailed("expected password message").Err()
	}

	extra, err := c.auth.Verify(c.metadata["user"], c.metadata["database"], []byte(pw.Password))
	if err != nil {
		return err
	}
	for k, v := range extra {
		c.metadata[k] = v
	}

	buf = nil
	buf = (&pgproto3.ParameterStatus{Name: "server_version", Value: version.Version}).Encode(buf)
	buf = (&pgproto3.ParameterStatus{Name: "server_encoding", Value: "UTF8"}).Encode(buf)
	buf = (&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"}).Encode(buf)
	buf = (&pgproto3.ParameterStatus{Name: "DateStyle", Value: "ISO YMD"}).Encode(buf)
	buf = (&pgproto3.AuthenticationOk{}).Encode(buf)
	buf = (&pgproto3.BackendKeyData{ProcessID: uint32(time.Now().UnixNano() & 0xFFFFFFFF), SecretKey: 0}).Encode(buf)
	buf = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)
	_, err = c.netConn.Write(buf)
	return err
}

// messageLoop dispatches frames once the connection is Ready. A Backend
// Worker handle and Query Processor are acquired fresh for every inbound
// frame rather than cached for the connection's life: caching them would
// let a handle outlive its worker's idle self-eviction, so a connection
// that sits open past idle_timeout would find its next query blocked on
// an orphaned channel until backendTimeout instead of transparently
// talking to a freshly respawned worker. The portal store is the only
// state that does persist across frames, since prepared statements and
// portals are scoped to the connection, not to any one worker handle.
func (c *Conn) messageLoop(be *pgproto3.Backend) {
	for {
		msg, err := be.Receive()
		if err != nil {
			c.logger.System().Debug("connection closed", "remote", c.netConn.RemoteAddr(), "error", err)
			return
		}

		qp, err := c.acquireQueryProcessor()
		if err != nil {
			c.handleFrameError(be, errors.Wrap(err, errors.CodeInternalError, "acquiring backend worker").Fatal().Err())
			return
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			c.handleSimpleQuery(be, qp, m.String)

		case *pgproto3.Parse:
			qp.Parse(m.Name, m.Query, m.ParameterOIDs)
			c.write(be, (&pgproto3.ParseComplete{}).Encode(nil))

		case *pgproto3.Bind:
			if err := qp.Bind(m.DestinationPortal, m.PreparedStatement, m.Parameters, m.ParameterFormatCodes); err != nil {
				c.handleFrameError(be, err)
				continue
			}
			c.write(be, (&pgproto3.BindComplete{}).Encode(nil))

		case *pgproto3.Describe:
			c.handleDescribe(be, qp, m)

		case *pgproto3.Execute:
			c.handleExecute(be, qp, m)

		case *pgproto3.Sync:
			c.write(be, (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(nil))

		case *pgproto3.Close:
			if m.ObjectType == 'S' {
				qp.CloseStatement(m.Name)
			} else {
				qp.ClosePortal(m.Name)
			}
			c.write(be, (&pgproto3.CloseComplete{}).Encode(nil))

		case *pgproto3.Flush:
			// no-op

		case *pgproto3.Terminate:
			return

		default:
			c.handleFrameError(be, errors.Newf(errors.CodeInternalError, "unsupported frame type %T", msg).Err())
		}
	}
}

// acquireQueryProcessor re-acquires the Backend Worker handle for this
// connection's dbpath and wraps it in a fresh Query Processor. Acquire
// itself is cheap once a worker is live (a read-locked map lookup), so
// doing this per frame costs nothing on the common path and gives every
// frame the chance to find a just-respawned worker.
func (c *Conn) acquireQueryProcessor() (*QueryProcessor, error) {
	handle, err := c.pool.Acquire(c.metadata["dbpath"])
	if err != nil {
		return nil, err
	}
	return newQueryProcessor(handle, c.portals, c.backendTimeout, c.logger), nil
}

func (c *Conn) handleSimpleQuery(be *pgproto3.Backend, qp *QueryProcessor, sql string) {
	resp, err := qp.SimpleQuery(sql)
	if err != nil {
		c.handleFrameError(be, err)
		return
	}
	buf := encodeQueryResult(nil, resp)
	buf = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)
	c.write(be, buf)
}

func (c *Conn) handleDescribe(be *pgproto3.Backend, qp *QueryProcessor, m *pgproto3.Describe) {
	var sql string
	var ok bool
	if m.ObjectType == 'S' {
		sql, ok = qp.StatementSQL(m.Name)
	} else {
		sql, ok = qp.PortalSQL(m.Name)
	}
	if !ok {
		c.handleFrameError(be, errors.Newf(errors.CodeInternalError, "unknown statement or portal %q", m.Name).Err())
		return
	}

	resp, err := qp.Describe(sql)
	if err != nil {
		c.handleFrameError(be, err)
		return
	}

	if len(resp.Schema) == 0 {
		c.write(be, (&pgproto3.NoData{}).Encode(nil))
		return
	}
	fields := make([]pgproto3.FieldDescription, len(resp.Schema))
	for i, f := range resp.Schema {
		fields[i] = fieldDescription(f)
	}
	c.write(be, (&pgproto3.RowDescription{Fields: fields}).Encode(nil))
}

func (c *Conn) handleExecute(be *pgproto3.Backend, qp *QueryProcessor, m *pgproto3.Execute) {
	resp, err := qp.Execute(m.Portal, int32(m.MaxRows))
	if err != nil {
		c.handleFrameError(be, err)
		return
	}
	c.write(be, encodeRowsOnly(nil, resp))
}

// handleFrameError classifies an error: non-fatal errors get
// ErrorResponse followed by ReadyForQuery(Idle); fatal errors get
// ErrorResponse and then the socket is closed.
func (c *Conn) handleFrameError(be *pgproto3.Backend, err error) {
	c.sendError(be, err)
	if errors.IsFatal(err) {
		// Caller's Receive on the now-closed socket will error out and
		// the loop in messageLoop returns; nothing further to send.
		c.netConn.Close()
		return
	}
	c.write(be, (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(nil))
}

func (c *Conn) sendError(be *pgproto3.Backend, err error) {
	sev := "ERROR"
	if errors.IsFatal(err) {
		sev = "FATAL"
	}
	buf := (&pgproto3.ErrorResponse{
		Severity: sev,
		Code:     string(errors.GetCode(err)),
		Message:  err.Error(),
	}).Encode(nil)
	c.write(be, buf)
}

func (c *Conn) sendFatal(be *pgproto3.Backend, err error) {
	c.sendError(be, err)
}

func (c *Conn) write(be *pgproto3.Backend, buf []byte) {
	if _, err := c.netConn.Write(buf); err != nil {
		c.logger.System().Debug("write failed", "remote", c.netConn.RemoteAddr(), "error", err)
	}
}

// encodeQueryResult renders a full simple-query response: RowDescription,
// DataRows, and CommandComplete.
func encodeQueryResult(buf []byte, resp backend.Response) []byte {
	fields := make([]pgproto3.FieldDescription, len(resp.Schema))
	for i, f := range resp.Schema {
		fields[i] = fieldDescription(f)
	}
	buf = (&pgproto3.RowDescription{Fields: fields}).Encode(buf)
	buf = appendDataRows(buf, resp)
	buf = (&pgproto3.CommandComplete{CommandTag: []byte(commandTag(resp))}).Encode(buf)
	return buf
}

// encodeRowsOnly renders an Execute response: just DataRows and
// CommandComplete, since RowDescription was already sent by a prior
// Describe (or the client skipped it).
func encodeRowsOnly(buf []byte, resp backend.Response) []byte {
	buf = appendDataRows(buf, resp)
	buf = (&pgproto3.CommandComplete{CommandTag: []byte(commandTag(resp))}).Encode(buf)
	return buf
}

func appendDataRows(buf []byte, resp backend.Response) []byte {
	for _, rec := range resp.Records {
		values := make([][]byte, len(rec.Values))
		for i, v := range rec.Values {
			values[i] = encodeValue(v)
		}
		buf = (&pgproto3.DataRow{Values: values}).Encode(buf)
	}
	return buf
}

// commandTag synthesizes a command tag. The synthetic single-column
// (OK, integer) schema worker.execute produces for non-SELECT
// statements is tagged distinctly from row-returning queries.
func commandTag(resp backend.Response) string {
	if len(resp.Schema) == 1 && resp.Schema[0].Name == "OK" {
		return "OK"
	}
	return fmt.Sprintf("SELECT %d", len(resp.Records))
}
