package netbios

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownHost indicates no configured resolver produced an address.
	ErrUnknownHost = errors.New("unknown host")

	// ErrMalformedPacket indicates a datagram violated the name service wire format.
	ErrMalformedPacket = errors.New("malformed name service packet")

	// ErrNoResponse indicates a query went unanswered within its timeout.
	ErrNoResponse = errors.New("no response from name service")

	// ErrClientClosed indicates the client was closed.
	ErrClientClosed = errors.New("name service client closed")

	// ErrInvalidName indicates a name that cannot be queried.
	ErrInvalidName = errors.New("invalid NetBIOS name")
)

// ResolveError records a failed resolution and the name it was for.
type ResolveError struct {
	Op   string
	Name string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// unknownHost returns the resolution-not-found error for name.
func unknownHost(op, name string) error {
	return &ResolveError{Op: op, Name: name, Err: ErrUnknownHost}
}

// IsUnknownHost reports whether err means the name could not be resolved.
func IsUnknownHost(err error) bool {
	return errors.Is(err, ErrUnknownHost)
}
