// Package errors provides structured error handling for the gateway.
//
// Unlike a numeric error-code scheme, Code here is a SQLSTATE string,
// the vocabulary this domain actually speaks on the wire, in
// ErrorResponse frames. Severity mirrors the protocol's own ERROR/FATAL
// distinction: FATAL closes the connection after the response is sent,
// ERROR leaves it usable and is followed by ReadyForQuery.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
)

// Code is a five-character SQLSTATE error code.
type Code string

// Codes this gateway emits. Named re-exports of pgerrcode constants,
// except XX000 (generic "internal error"), which is written as a
// literal. 42846 is the cannot-coerce class used for unmappable SQLite
// decltypes and malformed parameters.
const (
	CodeInvalidPassword     Code = Code(pgerrcode.InvalidPassword)     // 28P01
	CodeCannotCoerce        Code = Code(pgerrcode.CannotCoerce)        // 42846
	CodeInternalError       Code = "XX000"
	CodeFeatureNotSupported Code = Code(pgerrcode.FeatureNotSupported) // 0A000
	CodeConnectionFailure   Code = Code(pgerrcode.ConnectionFailure)   // 08006
	CodeConfigFileError     Code = Code(pgerrcode.ConfigFileError)     // F0000
)

// String returns the SQLSTATE code.
func (c Code) String() string { return string(c) }

// Severity is the protocol-level severity carried in ErrorResponse.
type Severity int

const (
	SeverityError Severity = iota // operation failed, connection remains usable
	SeverityFatal                 // connection is closed after the response is sent
)

func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "FATAL"
	default:
		return "ERROR"
	}
}

// Error is a structured error carrying a SQLSTATE code and severity.
type Error struct {
	Code     Code
	Message  string
	Severity Severity

	Fields map[string]interface{}
	Cause  error

	Stack  []Frame
	Time   time.Time
	OpName string
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

func (e *Error) Error() string {
	var buf strings.Builder
	buf.WriteString(string(e.Code))
	buf.WriteString(": ")
	buf.WriteString(e.Message)
	if e.Cause != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Cause.Error())
	}
	return buf.String()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Cause }

// Format implements fmt.Formatter for detailed output.
func (e *Error) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if f.Flag('+') {
			fmt.Fprintf(f, "%s [%s] %s: %s\n", e.Time.Format(time.RFC3339), e.Severity, e.Code, e.Message)
			if e.OpName != "" {
				fmt.Fprintf(f, "  Operation: %s\n", e.OpName)
			}
			if len(e.Fields) > 0 {
				fmt.Fprintf(f, "  Context:\n")
				for k, v := range e.Fields {
					fmt.Fprintf(f, "    %s: %v\n", k, v)
				}
			}
			if e.Cause != nil {
				fmt.Fprintf(f, "  Caused by: %v\n", e.Cause)
			}
			if len(e.Stack) > 0 {
				fmt.Fprintf(f, "  Stack:\n")
				for _, frame := range e.Stack {
					fmt.Fprintf(f, "    %s\n      %s:%d\n", frame.Function, frame.File, frame.Line)
				}
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(f, e.Error())
	case 'q':
		fmt.Fprintf(f, "%q", e.Error())
	}
}

// WithField adds a context field to the error.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithOp sets the operation name.
func (e *Error) WithOp(op string) *Error {
	e.OpName = op
	return e
}

// Builder helps construct errors fluently.
type Builder struct {
	code     Code
	message  string
	severity Severity
	cause    error
	fields   map[string]interface{}
	op       string
	stack    bool
}

// New starts building a new error with the given SQLSTATE code.
func New(code Code, message string) *Builder {
	return &Builder{code: code, message: message, severity: SeverityError}
}

// Newf starts building a new error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Builder {
	return &Builder{code: code, message: fmt.Sprintf(format, args...), severity: SeverityError}
}

// Wrap wraps an existing error with a code and message.
func Wrap(cause error, code Code, message string) *Builder {
	return &Builder{code: code, message: message, severity: SeverityError, cause: cause}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(cause error, code Code, format string, args ...interface{}) *Builder {
	return &Builder{code: code, message: fmt.Sprintf(format, args...), severity: SeverityError, cause: cause}
}

// Fatal sets severity to FATAL (connection is closed after the response).
func (b *Builder) Fatal() *Builder {
	b.severity = SeverityFatal
	return b
}

// WithCause adds a cause to the error.
func (b *Builder) WithCause(err error) *Builder {
	b.cause = err
	return b
}

// WithField adds a context field.
func (b *Builder) WithField(key string, value interface{}) *Builder {
	if b.fields == nil {
		b.fields = make(map[string]interface{})
	}
	b.fields[key] = value
	return b
}

// WithOp sets the operation name.
func (b *Builder) WithOp(op string) *Builder {
	b.op = op
	return b
}

// WithStack captures a stack trace on Build.
func (b *Builder) WithStack() *Builder {
	b.stack = true
	return b
}

// Build creates the Error.
func (b *Builder) Build() *Error {
	e := &Error{
		Code:     b.code,
		Message:  b.message,
		Severity: b.severity,
		Cause:    b.cause,
		Fields:   b.fields,
		OpName:   b.op,
		Time:     time.Now(),
	}
	if b.stack {
		e.Stack = captureStack(2)
	}
	return e
}

// Err is a shorthand for Build() that returns the error interface.
func (b *Builder) Err() error {
	return b.Build()
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	callersFrames := runtime.CallersFrames(pcs)
	for {
		frame, more := callersFrames.Next()
		if !more {
			break
		}
		if strings.Contains(frame.Function, "runtime.") {
			continue
		}
		frames = append(frames, Frame{Function: frame.Function, File: frame.File, Line: frame.Line})
		if len(frames) >= 10 {
			break
		}
	}
	return frames
}

// AuthFailed builds the pinned authentication-failure error: bad
// password, or no credential configured at all.
func AuthFailed(reason string) *Builder {
	return Newf(CodeInvalidPassword, "authentication failed: %s", reason).Fatal()
}

// UnsupportedParameterType builds the clean protocol error for a Bind
// parameter whose declared OID this gateway doesn't coerce: this must
// be a clean ErrorResponse, not a connection teardown.
func UnsupportedParameterType(oid uint32) *Builder {
	return Newf(CodeCannotCoerce, "unsupported parameter type (oid %d)", oid).
		WithField("oid", oid)
}

// BackendTimeout builds the fatal error for a Query Processor round trip
// that exceeded its deadline.
func BackendTimeout(sql string, timeout time.Duration) *Builder {
	return Newf(CodeInternalError, "backend request timed out after %v", timeout).
		WithField("sql", sql).Fatal()
}

// BackendClosed builds the fatal error for a worker whose inbound queue
// was already closed (graceful pool shutdown) when a request was sent.
func BackendClosed() *Builder {
	return New(CodeInternalError, "backend worker is no longer available").Fatal()
}

// UnmappableDecltype builds the error for a declared SQLite column type
// this gateway's decltype table has no storage-class mapping for.
func UnmappableDecltype(decltype string) *Builder {
	return Newf(CodeCannotCoerce, "cannot map declared column type %q to a storage class", decltype).
		WithField("decltype", decltype)
}

// Internal creates an internal error (for unexpected conditions).
func Internal(msg string) *Builder {
	return New(CodeInternalError, msg).Fatal().WithStack()
}

// GetCode extracts the SQLSTATE code from an error, or returns XX000.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// GetSeverity extracts the severity from an error.
func GetSeverity(err error) Severity {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity
	}
	return SeverityError
}

// IsCode checks if an error has a specific SQLSTATE code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// IsFatal checks if an error's severity is FATAL.
func IsFatal(err error) bool {
	return GetSeverity(err) == SeverityFatal
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Join combines multiple errors.
func Join(errs ...error) error { return errors.Join(errs...) }
