package server

import (
	"errors"
	"fmt"
	"syscall"
)

// ParseErrorKind classifies why a request could not be read.
type ParseErrorKind int

const (
	MalformedRequestLine ParseErrorKind = iota
	MalformedHeaders
	BodyTruncated
	UnsupportedMethod
	BodyTooLarge
	RequestTimeout
	UnsupportedTransferEncoding
)

func (k ParseErrorKind) String() string {
	switch k {
	case MalformedRequestLine:
		return "malformed_request_line"
	case MalformedHeaders:
		return "malformed_headers"
	case BodyTruncated:
		return "body_truncated"
	case UnsupportedMethod:
		return "unsupported_method"
	case BodyTooLarge:
		return "body_too_large"
	case RequestTimeout:
		return "request_timeout"
	case UnsupportedTransferEncoding:
		return "unsupported_transfer_encoding"
	default:
		return fmt.Sprintf("parse_error_%d", int(k))
	}
}

// StatusCode is the HTTP status sent back for this kind of failure.
func (k ParseErrorKind) StatusCode() int {
	switch k {
	case UnsupportedMethod:
		return StatusMethodNotAllowed
	case BodyTooLarge:
		return StatusRequestEntityTooLarge
	case RequestTimeout:
		return StatusRequestTimeout
	case UnsupportedTransferEncoding:
		return StatusNotImplemented
	default:
		return StatusBadRequest
	}
}

// ParseError is returned by ParseRequest and by request body reads.
type ParseError struct {
	Kind   ParseErrorKind
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "parse request: " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is matches any ParseError of the same kind, so the package sentinels
// work with errors.Is.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind
}

// ClientFault marks parse failures as the peer's doing, which keeps
// them from counting against the storage circuit breaker.
func (e *ParseError) ClientFault() bool { return true }

var (
	ErrMalformedRequestLine        = &ParseError{Kind: MalformedRequestLine}
	ErrMalformedHeaders            = &ParseError{Kind: MalformedHeaders}
	ErrBodyTruncated               = &ParseError{Kind: BodyTruncated}
	ErrUnsupportedMethod           = &ParseError{Kind: UnsupportedMethod}
	ErrBodyTooLarge                = &ParseError{Kind: BodyTooLarge}
	ErrRequestTimeout              = &ParseError{Kind: RequestTimeout}
	ErrUnsupportedTransferEncoding = &ParseError{Kind: UnsupportedTransferEncoding}
)

// ErrNoRequest means the peer closed the connection without sending a
// single byte. The connection is closed without a response.
var ErrNoRequest = errors.New("connection closed before request")

func parseErr(kind ParseErrorKind, detail string, err error) *ParseError {
	return &ParseError{Kind: kind, Detail: detail, Err: err}
}

// SocketErrorKind identifies the failing step of the listening socket.
type SocketErrorKind int

const (
	SocketCreateFailure SocketErrorKind = iota
	BindAddrInUse
	BindPermissionDenied
	BindInvalidAddress
	BindFailure
	ListenFailure
	AcceptFailure
)

func (k SocketErrorKind) String() string {
	switch k {
	case SocketCreateFailure:
		return "socket creation failed"
	case BindAddrInUse:
		return "address already in use"
	case BindPermissionDenied:
		return "permission denied"
	case BindInvalidAddress:
		return "invalid address"
	case BindFailure:
		return "bind failed"
	case ListenFailure:
		return "listen failed"
	case AcceptFailure:
		return "accept failed"
	default:
		return fmt.Sprintf("socket error %d", int(k))
	}
}

// SocketError reports a failed listening-socket operation.
type SocketError struct {
	Op   string
	Kind SocketErrorKind
	Err  error
}

func (e *SocketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *SocketError) Unwrap() error { return e.Err }

func (e *SocketError) Is(target error) bool {
	t, ok := target.(*SocketError)
	return ok && t.Kind == e.Kind
}

// Temporary reports whether the accept loop should keep going.
func (e *SocketError) Temporary() bool { return e.Kind == AcceptFailure }

var (
	ErrSocketCreate         = &SocketError{Op: "socket", Kind: SocketCreateFailure}
	ErrAddrInUse            = &SocketError{Op: "bind", Kind: BindAddrInUse}
	ErrBindPermissionDenied = &SocketError{Op: "bind", Kind: BindPermissionDenied}
	ErrBindInvalidAddress   = &SocketError{Op: "bind", Kind: BindInvalidAddress}
	ErrBind                 = &SocketError{Op: "bind", Kind: BindFailure}
	ErrListen               = &SocketError{Op: "listen", Kind: ListenFailure}
	ErrAccept               = &SocketError{Op: "accept", Kind: AcceptFailure}
)

// bindErrorKind maps the errno of a failed bind(2).
func bindErrorKind(err error) SocketErrorKind {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return BindAddrInUse
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return BindPermissionDenied
	case errors.Is(err, syscall.EADDRNOTAVAIL), errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.EAFNOSUPPORT):
		return BindInvalidAddress
	default:
		return BindFailure
	}
}
