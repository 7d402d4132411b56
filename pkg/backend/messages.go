// Package backend implements the compute plane: a pool of per-database
// workers, each owning one SQLite handle, reachable only through the
// typed request/response messages defined in this file. This is the
// sole vocabulary crossing from the async connection-handling plane
// (pkg/wire) into the blocking SQLite plane.
package backend

import "github.com/ha1tch/pglite/pkg/errors"

// StorageClass is SQLite's dynamic type label for a value.
type StorageClass int

const (
	ClassNull StorageClass = iota
	ClassInteger
	ClassReal
	ClassText
	ClassBlob
)

// Value is a single column value tagged with its storage class.
type Value struct {
	Class StorageClass
	Int   int64
	Real  float64
	Text  string
	Blob  []byte
}

// NullValue is the shared representation of SQL NULL.
var NullValue = Value{Class: ClassNull}

// Field describes one column of a response schema.
type Field struct {
	Ordinal int
	Name    string
	Class   StorageClass
}

// Record is one row, positionally aligned with the active schema.
type Record struct {
	Values []Value
}

// Parameter is one bound value for an extended-query Execute.
//
// Name is reserved for future named-parameter support and is currently
// always empty; binding is strictly positional by Ordinal.
type Parameter struct {
	Ordinal      int
	DeclaredType uint32 // PostgreSQL OID, 0 if not declared
	Name         string
	Value        Value
}

// RequestKind tags the shape of a Request.
type RequestKind int

const (
	RequestSimpleQuery RequestKind = iota
	RequestQueryWithParams
	RequestDescribe
)

// Request is a single unit of work sent to a Worker. Exactly one
// Response is sent back on ReplyTo, or ReplyTo is dropped unread because
// the caller gave up (timeout, disconnect): the worker does not block
// trying to deliver it (see Worker.reply).
type Request struct {
	Kind       RequestKind
	SQL        string
	Parameters []Parameter
	ReplyTo    chan Response
}

// Response is what a Worker sends back for a Request. Either Err is set,
// or Schema is (Describe, or any successful execution), with Records
// populated for SimpleQuery/QueryWithParams.
type Response struct {
	Schema  []Field
	Records []Record
	Err     error
}

// errResponse is a small helper for building an error Response inline.
func errResponse(err error) Response {
	return Response{Err: err}
}

// asGatewayError normalizes any error reaching a worker boundary into a
// *errors.Error so every response the wire layer sees already carries a
// SQLSTATE code.
func asGatewayError(err error) error {
	if err == nil {
		return nil
	}
	var ge *errors.Error
	if errors.As(err, &ge) {
		return ge
	}
	return errors.Wrap(err, errors.CodeInternalError, "backend error").Build()
}
