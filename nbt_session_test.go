package cifs

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/absfs/cifs/netbios"
)

var (
	testCalled  = netbios.NewName("FILESRV", netbios.TypeFileServer, "")
	testCalling = netbios.NewName("CIFS000001", netbios.TypeWorkstation, "")
)

// serveSession runs a fake session service on the far end of a pipe. It
// reads one session request and writes replies back.
func serveSession(t *testing.T, replies ...[]byte) (net.Conn, <-chan []byte) {
	t.Helper()
	client, server := net.Pipe()
	requests := make(chan []byte, 1)

	go func() {
		defer server.Close()
		typ, length, err := readSessionHeader(server)
		if err != nil {
			return
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(server, body); err != nil {
			return
		}
		requests <- append([]byte{typ}, body...)
		for _, r := range replies {
			if _, err := server.Write(r); err != nil {
				return
			}
		}
		// Hold the connection open until the client is done with it.
		_, _ = io.Copy(io.Discard, server)
	}()

	t.Cleanup(func() { client.Close() })
	return client, requests
}

func TestSessionHeader(t *testing.T) {
	tests := []struct {
		length int
		want   []byte
	}{
		{0, []byte{sessionMessage, 0x00, 0x00, 0x00}},
		{68, []byte{sessionMessage, 0x00, 0x00, 0x44}},
		{0xFFFF, []byte{sessionMessage, 0x00, 0xFF, 0xFF}},
		{0x1ABCD, []byte{sessionMessage, 0x01, 0xAB, 0xCD}},
	}

	for _, tt := range tests {
		got := appendSessionHeader(nil, sessionMessage, tt.length)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("appendSessionHeader(%d) = % X, want % X", tt.length, got, tt.want)
		}

		typ, length, err := readSessionHeader(bytes.NewReader(got))
		if err != nil {
			t.Fatalf("readSessionHeader() error = %v", err)
		}
		if typ != sessionMessage || length != tt.length {
			t.Errorf("readSessionHeader() = 0x%02X, %d, want 0x00, %d", typ, length, tt.length)
		}
	}
}

func TestAppendSessionRequest(t *testing.T) {
	b := appendSessionRequest(nil, testCalled, testCalling)

	if len(b) != sessionHeaderLength+68 {
		t.Fatalf("len = %d, want %d", len(b), sessionHeaderLength+68)
	}
	if b[0] != sessionRequest {
		t.Errorf("type = 0x%02X, want 0x%02X", b[0], sessionRequest)
	}

	called, n, err := netbios.DecodeName(b[sessionHeaderLength:])
	if err != nil {
		t.Fatalf("DecodeName(called) error = %v", err)
	}
	if called.Name != "FILESRV" || called.HexCode != netbios.TypeFileServer {
		t.Errorf("called = %v, want FILESRV<20>", called)
	}

	calling, _, err := netbios.DecodeName(b[sessionHeaderLength+n:])
	if err != nil {
		t.Fatalf("DecodeName(calling) error = %v", err)
	}
	if calling.Name != "CIFS000001" || calling.HexCode != netbios.TypeWorkstation {
		t.Errorf("calling = %v, want CIFS000001<00>", calling)
	}
}

func TestRequestSession_Positive(t *testing.T) {
	conn, requests := serveSession(t,
		[]byte{sessionKeepAlive, 0, 0, 0},
		[]byte{sessionPositiveResponse, 0, 0, 0},
	)

	if err := requestSession(conn, testCalled, testCalling, time.Second); err != nil {
		t.Fatalf("requestSession() error = %v", err)
	}

	req := <-requests
	if req[0] != sessionRequest {
		t.Errorf("request type = 0x%02X, want 0x%02X", req[0], sessionRequest)
	}
	if len(req) != 1+68 {
		t.Errorf("request body = %d bytes, want 68", len(req)-1)
	}
}

func TestRequestSession_Negative(t *testing.T) {
	conn, _ := serveSession(t, []byte{sessionNegativeResponse, 0, 0, 1, sessionCalledNotPresent})

	err := requestSession(conn, testCalled, testCalling, time.Second)

	var se *SessionError
	if !errors.As(err, &se) {
		t.Fatalf("requestSession() error = %v, want *SessionError", err)
	}
	if se.Code != sessionCalledNotPresent {
		t.Errorf("Code = 0x%02X, want 0x%02X", se.Code, sessionCalledNotPresent)
	}
	if se.CalledName != "FILESRV" {
		t.Errorf("CalledName = %q, want FILESRV", se.CalledName)
	}
}

func TestRequestSession_NegativeWithoutCode(t *testing.T) {
	conn, _ := serveSession(t, []byte{sessionNegativeResponse, 0, 0, 0})

	err := requestSession(conn, testCalled, testCalling, time.Second)

	var se *SessionError
	if !errors.As(err, &se) || se.Code != sessionUnspecified {
		t.Fatalf("requestSession() error = %v, want unspecified session error", err)
	}
}

func TestRequestSession_Retarget(t *testing.T) {
	conn, _ := serveSession(t, []byte{sessionRetargetResponse, 0, 0, 6, 10, 0, 0, 9, 0x01, 0xBD})

	err := requestSession(conn, testCalled, testCalling, time.Second)

	var rt *retargetError
	if !errors.As(err, &rt) {
		t.Fatalf("requestSession() error = %v, want *retargetError", err)
	}
	if got := rt.addr.String(); got != "10.0.0.9:445" {
		t.Errorf("retarget address = %s, want 10.0.0.9:445", got)
	}
}

func TestRequestSession_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"short retarget", []byte{sessionRetargetResponse, 0, 0, 2, 10, 0}},
		{"unexpected type", []byte{sessionMessage, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _ := serveSession(t, tt.reply)
			err := requestSession(conn, testCalled, testCalling, time.Second)
			if err == nil {
				t.Fatal("requestSession() error = nil, want error")
			}
			var se *SessionError
			if errors.As(err, &se) {
				t.Errorf("requestSession() error = %v, want a protocol error", err)
			}
		})
	}
}

func TestRequestSession_Timeout(t *testing.T) {
	conn, _ := serveSession(t)

	start := time.Now()
	err := requestSession(conn, testCalled, testCalling, 50*time.Millisecond)
	if err == nil {
		t.Fatal("requestSession() error = nil, want timeout")
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("requestSession() error = %v, want a timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("requestSession() took %v", elapsed)
	}
}

func TestSessionConn_FiltersKeepAlives(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	message := append(appendSessionHeader(nil, sessionMessage, 5), "hello"...)
	second := append(appendSessionHeader(nil, sessionMessage, 3), "abc"...)
	go func() {
		defer server.Close()
		_, _ = server.Write([]byte{sessionKeepAlive, 0, 0, 0})
		_, _ = server.Write(message)
		_, _ = server.Write([]byte{sessionKeepAlive, 0, 0, 0})
		_, _ = server.Write(second)
	}()

	sc := newSessionConn(client)
	got, err := io.ReadAll(sc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	want := append(append([]byte{}, message...), second...)
	if !bytes.Equal(got, want) {
		t.Errorf("read % X, want % X", got, want)
	}
}

func TestSessionConn_RejectsUnexpectedPacket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		defer server.Close()
		_, _ = server.Write([]byte{sessionPositiveResponse, 0, 0, 0})
	}()

	sc := newSessionConn(client)
	buf := make([]byte, 16)
	if _, err := sc.Read(buf); err == nil {
		t.Error("Read() error = nil, want error for a non-message packet")
	}
}
