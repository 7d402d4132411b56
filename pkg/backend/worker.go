package backend

import (
	"database/sql"
	"time"

	"github.com/ha1tch/pglite/pkg/errors"
	"github.com/ha1tch/pglite/pkg/log"
)

// stmtCacheLimit bounds the worker's prepared-statement cache: simple
// and small rather than a full LRU, since a worker serving one database
// file over one session rarely prepares more than a handful of
// distinct statement texts.
const stmtCacheLimit = 64

// Worker owns one open SQLite handle and serves exactly one Database
// Path Key. It is never touched by any goroutine but its own
// run loop.
type Worker struct {
	key  string
	path string
	db   *sql.DB

	inbox       chan Request
	idleTimeout time.Duration
	logger      *log.Logger
	onEvict     func(key string)

	stmts map[string]*sql.Stmt
}

func newWorker(key, path string, idleTimeout time.Duration, logger *log.Logger, onEvict func(string)) (*Worker, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConnectionFailure, "opening backend database").
			WithField("path", path).Err()
	}
	return &Worker{
		key:         key,
		path:        path,
		db:          db,
		inbox:       make(chan Request, 32),
		idleTimeout: idleTimeout,
		logger:      logger,
		onEvict:     onEvict,
		stmts:       make(map[string]*sql.Stmt),
	}, nil
}

// run is the worker's whole life: wait on the inbox with an idle
// timeout, handle one request at a time (FIFO, so SQL against this file
// is always serial), and self-evict on timeout or close.
func (w *Worker) run() {
	timer := time.NewTimer(w.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case req, ok := <-w.inbox:
			if !ok {
				w.terminate()
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			w.handle(req)
			timer.Reset(w.idleTimeout)

		case <-timer.C:
			w.terminate()
			return
		}
	}
}

// stop requests termination from outside the worker (graceful shutdown
// only; ordinary idle eviction goes through the timer above).
func (w *Worker) stop() {
	close(w.inbox)
}

// terminate self-evicts: remove the Pool entry *before* closing the
// SQLite handle, so a racing Acquire either finds the stale entry (and
// loses at most one request) or finds nothing and spawns fresh.
func (w *Worker) terminate() {
	w.onEvict(w.key)
	for _, stmt := range w.stmts {
		stmt.Close()
	}
	w.db.Close()
}

func (w *Worker) handle(req Request) {
	var resp Response
	switch req.Kind {
	case RequestSimpleQuery:
		resp = w.execute(req.SQL, nil, true)
	case RequestQueryWithParams:
		resp = w.execute(req.SQL, req.Parameters, true)
	case RequestDescribe:
		resp = w.execute(req.SQL, nil, false)
	default:
		resp = errResponse(errors.Internal("unknown backend request kind").Err())
	}
	w.reply(req.ReplyTo, resp)
}

// reply delivers a response without blocking: if ReplyTo has neither a
// waiting receiver nor a free buffer slot (the caller has given up), the
// response is dropped and the worker does not stall the queue waiting
// for a reader that will never come. ReplyTo must not be closed.
func (w *Worker) reply(ch chan Response, resp Response) {
	select {
	case ch <- resp:
	default:
		w.logger.Execution().Warn("dropping backend response, caller gone", "path", w.path)
	}
}

// execute runs one statement. When runRows is false this is a Describe:
// prepare, derive the schema, and discard without executing.
func (w *Worker) execute(sqlText string, params []Parameter, runRows bool) Response {
	stmt, err := w.prepare(sqlText)
	if err != nil {
		return errResponse(errors.Wrap(err, errors.CodeInternalError, "preparing statement").
			WithField("sql", sqlText).Err())
	}

	if !runRows {
		if !isSelect(sqlText) {
			// Describe on a non-SELECT statement (INSERT/UPDATE/DELETE):
			// running it to learn its schema would execute the mutation
			// at Describe time and again at Execute. Report the same
			// synthetic schema Execute itself will return.
			return Response{Schema: okSchema}
		}
		rows, err := stmt.Query()
		if err != nil {
			return errResponse(asGatewayError(err))
		}
		defer rows.Close()
		cols, err := rows.ColumnTypes()
		if err != nil {
			return errResponse(asGatewayError(err))
		}
		schema, err := schemaFromColumnTypes(cols)
		if err != nil {
			return errResponse(err)
		}
		return Response{Schema: schema}
	}

	args := bindArgs(params)

	if isSelect(sqlText) {
		rows, err := stmt.Query(args...)
		if err != nil {
			return errResponse(asGatewayError(err))
		}
		defer rows.Close()
		cols, err := rows.ColumnTypes()
		if err != nil {
			return errResponse(asGatewayError(err))
		}
		schema, err := schemaFromColumnTypes(cols)
		if err != nil {
			return errResponse(err)
		}
		records, err := scanRows(rows, schema)
		if err != nil {
			return errResponse(asGatewayError(err))
		}
		return Response{Schema: schema, Records: records}
	}

	result, err := stmt.Exec(args...)
	if err != nil {
		return errResponse(asGatewayError(err))
	}
	affected, _ := result.RowsAffected()
	return Response{
		Schema:  okSchema,
		Records: []Record{{Values: []Value{{Class: ClassInteger, Int: affected}}}},
	}
}

// prepare retrieves a cached *sql.Stmt for identical SQL text, or
// prepares and caches a new one. Exact-text caching is the whole cache
// key: this gateway has no statement-name-to-text indirection at the
// worker (that lives in the connection's portal store, see pkg/wire).
func (w *Worker) prepare(sqlText string) (*sql.Stmt, error) {
	if stmt, ok := w.stmts[sqlText]; ok {
		return stmt, nil
	}
	stmt, err := w.db.Prepare(sqlText)
	if err != nil {
		return nil, err
	}
	if len(w.stmts) >= stmtCacheLimit {
		for k, s := range w.stmts {
			s.Close()
			delete(w.stmts, k)
			break
		}
	}
	w.stmts[sqlText] = stmt
	return stmt, nil
}
