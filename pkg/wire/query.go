package wire

import (
	"time"

	"github.com/ha1tch/pglite/pkg/backend"
	"github.com/ha1tch/pglite/pkg/errors"
	"github.com/ha1tch/pglite/pkg/log"
)

// DefaultBackendTimeout is the per-round-trip bound applied when no
// explicit timeout is configured.
const DefaultBackendTimeout = 10 * time.Second

// QueryProcessor implements the simple and extended query sub-protocols.
// It owns no persistent state beyond three references: a worker handle,
// the connection's portal store, and (implicitly) raw SQL text as the
// "parser": there is no real parsing, statements are forwarded verbatim
// to the backend.
type QueryProcessor struct {
	handle  backend.Handle
	portals *portalStore
	timeout time.Duration
	logger  *log.Logger
}

func newQueryProcessor(handle backend.Handle, portals *portalStore, timeout time.Duration, logger *log.Logger) *QueryProcessor {
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	return &QueryProcessor{handle: handle, portals: portals, timeout: timeout, logger: logger}
}

// request sends one Backend Request and waits for its Response, bounded
// by qp.timeout. A timeout produces the same class of fatal error a
// stale/evicted worker would: the in-flight request at the worker is
// not cancelled, only abandoned.
func (qp *QueryProcessor) request(kind backend.RequestKind, sqlText string, params []backend.Parameter) (backend.Response, error) {
	replyTo := make(chan backend.Response, 1)
	qp.handle.Send(backend.Request{Kind: kind, SQL: sqlText, Parameters: params, ReplyTo: replyTo})

	select {
	case resp := <-replyTo:
		if resp.Err != nil {
			return backend.Response{}, resp.Err
		}
		return resp, nil
	case <-time.After(qp.timeout):
		return backend.Response{}, errors.BackendTimeout(sqlText, qp.timeout).Err()
	}
}

// SimpleQuery executes one Simple Query protocol statement.
func (qp *QueryProcessor) SimpleQuery(sqlText string) (backend.Response, error) {
	return qp.request(backend.RequestSimpleQuery, sqlText, nil)
}

// Parse stores the statement text for later Bind/Execute/Describe.
// Parsing itself is deferred to the backend; nothing is validated here.
func (qp *QueryProcessor) Parse(name, sqlText string, paramOIDs []uint32) {
	qp.portals.putStatement(name, sqlText, paramOIDs)
}

// Bind constructs a portal from a named statement and raw wire
// parameter bytes, coercing each by the statement's declared OID and the
// wire format code the client chose for it (text or binary). A parameter
// with no declared type (absent or OID 0) binds as NULL.
func (qp *QueryProcessor) Bind(portalName, statementName string, rawParams [][]byte, formatCodes []int16) error {
	st, ok := qp.portals.statement(statementName)
	if !ok {
		return errors.Newf(errors.CodeInternalError, "unknown prepared statement %q", statementName).Err()
	}

	params := make([]backend.Parameter, len(rawParams))
	for i, raw := range rawParams {
		var oid uint32
		if i < len(st.parameterOIDs) {
			oid = st.parameterOIDs[i]
		}
		if oid == 0 {
			params[i] = backend.Parameter{Ordinal: i, Value: backend.NullValue}
			continue
		}
		p, err := coerceParameter(i, oid, formatCodeFor(i, formatCodes), raw)
		if err != nil {
			return err
		}
		params[i] = p
	}

	qp.portals.putPortal(portalName, portal{statementName: statementName, sql: st.sql, parameters: params})
	return nil
}

// Execute runs a bound portal.
// maxRows is accepted but formally ignored: the worker
// always delivers the whole result.
func (qp *QueryProcessor) Execute(portalName string, maxRows int32) (backend.Response, error) {
	p, ok := qp.portals.portal(portalName)
	if !ok {
		return backend.Response{}, errors.Newf(errors.CodeInternalError, "unknown portal %q", portalName).Err()
	}
	return qp.request(backend.RequestQueryWithParams, p.sql, p.parameters)
}

// Describe returns the schema only, for either a statement or a portal.
// A response lacking a schema is a fatal XX000 error.
func (qp *QueryProcessor) Describe(sqlText string) (backend.Response, error) {
	resp, err := qp.request(backend.RequestDescribe, sqlText, nil)
	if err != nil {
		return backend.Response{}, err
	}
	if resp.Schema == nil {
		return backend.Response{}, errors.New(errors.CodeInternalError, "describe returned no schema").Fatal().Err()
	}
	return resp, nil
}

// CloseStatement releases a named prepared statement.
func (qp *QueryProcessor) CloseStatement(name string) { qp.portals.closeStatement(name) }

// ClosePortal releases a named portal.
func (qp *QueryProcessor) ClosePortal(name string) { qp.portals.closePortal(name) }

// StatementSQL returns the raw SQL text of a named prepared statement,
// used by Describe-on-statement (as opposed to Describe-on-portal).
func (qp *QueryProcessor) StatementSQL(name string) (string, bool) {
	st, ok := qp.portals.statement(name)
	return st.sql, ok
}

// PortalSQL returns the raw SQL text bound to a named portal.
func (qp *QueryProcessor) PortalSQL(name string) (string, bool) {
	p, ok := qp.portals.portal(name)
	return p.sql, ok
}
