package cifs

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/absfs/cifs/netbios"
)

// NetBIOS session service packet types (RFC 1002 section 4.3).
const (
	sessionMessage          byte = 0x00
	sessionRequest          byte = 0x81
	sessionPositiveResponse byte = 0x82
	sessionNegativeResponse byte = 0x83
	sessionRetargetResponse byte = 0x84
	sessionKeepAlive        byte = 0x85
)

// Negative session response error codes.
const (
	sessionNotListeningCalled  byte = 0x80
	sessionNotListeningCalling byte = 0x81
	sessionCalledNotPresent    byte = 0x82
	sessionNoResources         byte = 0x83
	sessionUnspecified         byte = 0x8F
)

const sessionHeaderLength = 4

func sessionErrorString(code byte) string {
	switch code {
	case sessionNotListeningCalled:
		return "not listening on called name"
	case sessionNotListeningCalling:
		return "not listening for calling name"
	case sessionCalledNotPresent:
		return "called name not present"
	case sessionNoResources:
		return "insufficient resources"
	case sessionUnspecified:
		return "unspecified error"
	default:
		return "unknown error"
	}
}

// appendSessionHeader appends the 4-byte session packet header. The low
// bit of the flags byte extends the length to 17 bits.
func appendSessionHeader(b []byte, typ byte, length int) []byte {
	return append(b, typ, byte(length>>16)&0x01, byte(length>>8), byte(length))
}

func readSessionHeader(r io.Reader) (typ byte, length int, err error) {
	var hdr [sessionHeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	return hdr[0], int(hdr[1]&0x01)<<16 | int(binary.BigEndian.Uint16(hdr[2:])), nil
}

// appendSessionRequest appends a session request carrying the encoded
// called and calling names.
func appendSessionRequest(b []byte, called, calling netbios.Name) []byte {
	b = appendSessionHeader(b, sessionRequest, called.WireLength()+calling.WireLength())
	b = called.AppendWire(b)
	return calling.AppendWire(b)
}

// retargetError is a retarget session response naming another endpoint.
type retargetError struct {
	addr *net.TCPAddr
}

func (e *retargetError) Error() string {
	return fmt.Sprintf("session retargeted to %v", e.addr)
}

// requestSession sends a session request on conn and reads the answer.
// A negative answer is returned as a *SessionError, a retarget as a
// *retargetError.
func requestSession(conn net.Conn, called, calling netbios.Name, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write(appendSessionRequest(nil, called, calling)); err != nil {
		return fmt.Errorf("send session request: %w", err)
	}

	for {
		typ, length, err := readSessionHeader(conn)
		if err != nil {
			return fmt.Errorf("read session response: %w", err)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			return fmt.Errorf("read session response: %w", err)
		}

		switch typ {
		case sessionPositiveResponse:
			return nil
		case sessionNegativeResponse:
			code := sessionUnspecified
			if len(body) > 0 {
				code = body[0]
			}
			return &SessionError{CalledName: called.Name, Code: code}
		case sessionRetargetResponse:
			if len(body) < 6 {
				return fmt.Errorf("short retarget session response: %d bytes", len(body))
			}
			ip := net.IPv4(body[0], body[1], body[2], body[3])
			return &retargetError{addr: &net.TCPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(body[4:]))}}
		case sessionKeepAlive:
			continue
		default:
			return fmt.Errorf("unexpected session packet type 0x%02X", typ)
		}
	}
}

// sessionConn is an established NetBIOS session. SMB messages are carried
// in session message packets whose framing matches direct TCP, so reads
// pass them through unchanged and only drop keep-alives.
type sessionConn struct {
	net.Conn
	r       *bufio.Reader
	pending int // bytes left in the current session message
}

func newSessionConn(conn net.Conn) *sessionConn {
	return &sessionConn{Conn: conn, r: bufio.NewReader(conn)}
}

func (c *sessionConn) Read(p []byte) (int, error) {
	for c.pending == 0 {
		hdr, err := c.r.Peek(sessionHeaderLength)
		if err != nil {
			return 0, err
		}
		length := int(hdr[1]&0x01)<<16 | int(binary.BigEndian.Uint16(hdr[2:]))
		switch hdr[0] {
		case sessionKeepAlive:
			if _, err := c.r.Discard(sessionHeaderLength + length); err != nil {
				return 0, err
			}
		case sessionMessage:
			c.pending = sessionHeaderLength + length
		default:
			return 0, fmt.Errorf("unexpected session packet type 0x%02X", hdr[0])
		}
	}

	if len(p) > c.pending {
		p = p[:c.pending]
	}
	n, err := c.r.Read(p)
	c.pending -= n
	return n, err
}
