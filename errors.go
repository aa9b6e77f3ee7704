package cifs

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrInvalidConfig indicates the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionClosed indicates the connection has been closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrPoolExhausted indicates all connections in the pool are in use.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrSessionRejected indicates the server refused every called name.
	ErrSessionRejected = errors.New("NetBIOS session rejected")

	// ErrInvalidPath indicates the path is invalid.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotDirectory indicates the path is not a directory.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory indicates the path is a directory.
	ErrIsDirectory = errors.New("is a directory")
)

// PathError records an error and the operation and path that caused it.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// wrapPathError wraps an error with operation and path information.
func wrapPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	// If it's already a PathError for the same path, don't double-wrap
	var pe *PathError
	if errors.As(err, &pe) && pe.Path == path {
		return err
	}

	return &PathError{
		Op:   op,
		Path: path,
		Err:  err,
	}
}

// SessionError is a negative NetBIOS session response.
type SessionError struct {
	CalledName string
	Code       byte
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session request for %q refused: %s (0x%02X)",
		e.CalledName, sessionErrorString(e.Code), e.Code)
}

func (e *SessionError) Unwrap() error {
	return ErrSessionRejected
}

// wrongName reports whether the server refused the called name itself, in
// which case another name may be accepted.
func (e *SessionError) wrongName() bool {
	return e.Code == sessionNotListeningCalled || e.Code == sessionCalledNotPresent
}

// convertError maps client errors onto their io/fs counterparts so callers
// can test results with errors.Is(err, fs.ErrClosed) and the like.
func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrClosed), errors.Is(err, fs.ErrInvalid):
		return err
	case errors.Is(err, ErrConnectionClosed):
		return fs.ErrClosed
	case errors.Is(err, ErrInvalidPath):
		return fs.ErrInvalid
	}
	return err
}

// transient is implemented by net.Error and the errors go-smb2 surfaces
// from its transport.
type transient interface {
	Timeout() bool
	Temporary() bool
}

// isRetryable reports whether a fresh connection might let op succeed.
// Lookup failures and refused session requests are final: retrying would
// walk the same names against the same server.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var t transient
	if errors.As(err, &t) && (t.Timeout() || t.Temporary()) {
		return true
	}
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrPoolExhausted)
}
