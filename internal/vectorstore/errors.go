package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind classifies store failures so callers can react differently.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindNotFound          Kind = "not_found"
	KindConnectionRefused Kind = "connection_refused"
	KindQueryFailed       Kind = "query_failed"
	KindValidation        Kind = "validation"
	KindDecode            Kind = "decode"
)

// Error is returned by every Store operation that fails.
type Error struct {
	Kind       Kind
	Op         string
	Collection string
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "vector store operation failed"
	}
	msg := fmt.Sprintf("vector store %s failed (kind=%s collection=%q", e.Op, e.Kind, e.Collection)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	msg += ")"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func storeErr(op, collection string, kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Op: op, Collection: collection, Message: msg, Cause: cause}
}

// KindOf returns the Kind of a store error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsTimeout(err error) bool           { return KindOf(err) == KindTimeout }
func IsNotFound(err error) bool          { return KindOf(err) == KindNotFound }
func IsConnectionRefused(err error) bool { return KindOf(err) == KindConnectionRefused }

// classifyCallError maps transport errors to timeout, connection refused or
// query failed.
func classifyCallError(op, collection, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return storeErr(op, collection, KindTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return storeErr(op, collection, KindTimeout, message, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return storeErr(op, collection, KindConnectionRefused, message, err)
	}
	return storeErr(op, collection, KindQueryFailed, message, err)
}
