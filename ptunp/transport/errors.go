package transport

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

// ErrorCode is the application error code sent when a connection is closed
type ErrorCode = quic.ApplicationErrorCode

const (
	// CodeNoError is used for an orderly close
	CodeNoError ErrorCode = 0
	// CodeRejected is used when a handler refused a connection without giving a more specific code
	CodeRejected ErrorCode = 400
	// CodeUnauthorized is used when authentication failed
	CodeUnauthorized ErrorCode = 401
	// CodeUnknownProtocol is used when no handler is registered for the negotiated ALPN
	CodeUnknownProtocol ErrorCode = 404
	// CodeConflict is used when the connection conflicts with existing state, e.g. a tunnel already has a peer
	CodeConflict ErrorCode = 409
	// CodeInternalError is used when the local side failed
	CodeInternalError ErrorCode = 500
)

// CodedError is an error that knows which code a connection should be closed with
// after a handler returned it.
type CodedError struct {
	Code   ErrorCode
	Reason string
}

// NewCodedError creates an error that closes the connection with code and reason
func NewCodedError(code ErrorCode, reason string) *CodedError {
	return &CodedError{Code: code, Reason: reason}
}

func (e *CodedError) Error() string {
	return e.Reason
}

// Is makes errors.Is match on code and reason, so that sentinel CodedErrors can be compared
func (e *CodedError) Is(target error) bool {
	t, ok := target.(*CodedError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Reason == e.Reason
}

// CloseCode finds the code and reason a connection should be closed with after a
// handler returned err.
func CloseCode(err error) (ErrorCode, string) {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Reason
	}
	return CodeRejected, "rejected"
}

// ApplicationCloseError extracts the code and reason of a connection that was closed by
// the application on either side.
func ApplicationCloseError(err error) (*quic.ApplicationError, bool) {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsClosed reports whether err was caused by the connection or stream being closed,
// as opposed to a local failure.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	var (
		appErr       *quic.ApplicationError
		transportErr *quic.TransportError
		idleErr      *quic.IdleTimeoutError
		streamErr    *quic.StreamError
	)
	return errors.As(err, &appErr) || errors.As(err, &transportErr) ||
		errors.As(err, &idleErr) || errors.As(err, &streamErr) || errors.Is(err, quic.ErrServerClosed)
}

func describeClose(code ErrorCode, reason string) string {
	return fmt.Sprintf("code=%d reason=%q", code, reason)
}
