// Package dberror classifies failures raised while talking to the SAGE database through
// the tunnel. Classification decides what a caller does next: Transient failures mean the
// session may be dead and must be health-checked, Query failures mean the statement itself
// was rejected and the session is fine.
package dberror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Class is the classification of a query-time failure.
type Class int

const (
	// ClassNone is used for nil errors.
	ClassNone Class = iota
	// ClassTransient covers transport and driver failures: the tunnel or the database
	// handle dropped while the query was in flight.
	ClassTransient
	// ClassQuery covers statements rejected by the server: syntax errors, missing tables
	// or columns, bad casts.
	ClassQuery
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassQuery:
		return "query"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Error is a classified query-time failure.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrTransient = errors.New("transient database error")
	ErrQuery     = errors.New("query error")
)

// Is lets callers match on the class with errors.Is(err, dberror.ErrTransient).
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Class == ClassTransient
	case ErrQuery:
		return e.Class == ClassQuery
	}
	return false
}

// Wrap classifies err and wraps it. It returns nil for nil and leaves already
// classified errors untouched.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Class: Classify(err), Err: err}
}

// Classify returns the class of err. Anything that is not recognisably a server-side
// statement rejection is treated as transient, so a health check always follows an
// unknown failure.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	if IsTransport(err) {
		return ClassTransient
	}

	// Errors raised by pgx before anything reached the server: argument encoding and
	// result scanning problems are the statement's fault.
	msg := err.Error()
	for _, s := range []string{
		"failed to encode",
		"cannot scan",
		"can't scan",
		"number of field descriptions must equal number of destinations",
		"unable to encode",
	} {
		if strings.Contains(msg, s) {
			return ClassQuery
		}
	}

	return ClassTransient
}

// classifySQLState maps a SQLSTATE code. Class 08 (connection exception), 53
// (insufficient resources), 57 (operator intervention) and 58 (system error) are
// transport-level; everything else was a rejection of the statement.
func classifySQLState(code string) Class {
	if len(code) < 2 {
		return ClassQuery
	}
	switch code[:2] {
	case "08", "53", "57", "58":
		return ClassTransient
	}
	return ClassQuery
}

// IsTransport reports whether err came from the network path (tunnel, socket, driver
// connection state) rather than from the server.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"conn closed",
		"connection reset",
		"broken pipe",
		"ssh: ",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Outcome is what the presentation layer shows for a finished query.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeEmpty means the query succeeded with zero rows. It is not a failure.
	OutcomeEmpty
	OutcomeTransient
	OutcomeQueryError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeEmpty:
		return "empty"
	case OutcomeTransient:
		return "transient"
	case OutcomeQueryError:
		return "query_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// OutcomeOf folds a query's row count and error into one Outcome.
func OutcomeOf(rows int, err error) Outcome {
	switch Classify(err) {
	case ClassTransient:
		return OutcomeTransient
	case ClassQuery:
		return OutcomeQueryError
	}
	if rows == 0 {
		return OutcomeEmpty
	}
	return OutcomeOK
}

// UserMessage returns operator-facing text for err.
func UserMessage(err error) string {
	switch Classify(err) {
	case ClassNone:
		return ""
	case ClassTransient:
		return "Connection to the database was lost. Reconnect using the connection window and try again."
	default:
		return "The query failed. The selected item may not support this operation."
	}
}
