package cifs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/absfs/cifs/netbios"
)

// maxRetargets bounds how many retarget responses a session request follows.
const maxRetargets = 3

// sessionDialer opens the TCP connection an SMB session runs over. The
// server name is resolved through NetBIOS; with TransportNetBIOS each
// address is then asked for a session under every called name it is known
// by until one is accepted.
type sessionDialer struct {
	resolver *netbios.Client
	config   *Config
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
}

func newSessionDialer(resolver *netbios.Client, config *Config) *sessionDialer {
	d := &net.Dialer{Timeout: config.ConnTimeout}
	return &sessionDialer{
		resolver: resolver,
		config:   config,
		dial:     d.DialContext,
	}
}

func (d *sessionDialer) logf(format string, v ...interface{}) {
	if d.config.Logger != nil {
		d.config.Logger.Printf(format, v...)
	}
}

// DialContext resolves server and connects to the first address that
// accepts a connection.
func (d *sessionDialer) DialContext(ctx context.Context, server string) (net.Conn, error) {
	addrs, err := d.resolver.GetAllByName(ctx, server, false)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := d.dialAddress(ctx, addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logf("connect to %v failed: %v", addr, err)
		lastErr = err
	}
	return nil, lastErr
}

func (d *sessionDialer) dialAddress(ctx context.Context, addr netbios.UniAddress) (net.Conn, error) {
	hostport := net.JoinHostPort(addr.HostAddress(), strconv.Itoa(d.config.Port))
	if d.config.Transport == TransportDirect {
		conn, err := d.dial(ctx, "tcp", hostport)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", hostport, err)
		}
		return conn, nil
	}

	calling := d.resolver.LocalName()
	scope := d.resolver.Config().Scope

	var lastErr error
	for name := addr.FirstCalledName(); name != ""; name = addr.NextCalledName(ctx) {
		called := netbios.NewName(name, netbios.TypeFileServer, scope)
		conn, err := d.openSession(ctx, hostport, called, calling)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		var se *SessionError
		if !errors.As(err, &se) || !se.wrongName() {
			return nil, err
		}
		d.logf("session request to %s as %q refused (0x%02X), trying next name", hostport, name, se.Code)
	}
	if lastErr == nil {
		lastErr = ErrSessionRejected
	}
	return nil, fmt.Errorf("%v: %w", addr, lastErr)
}

// openSession connects to hostport and requests a session for called,
// following retarget responses.
func (d *sessionDialer) openSession(ctx context.Context, hostport string, called, calling netbios.Name) (net.Conn, error) {
	for hop := 0; ; hop++ {
		conn, err := d.dial(ctx, "tcp", hostport)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", hostport, err)
		}

		// Interrupt the exchange when ctx is cancelled.
		stop := context.AfterFunc(ctx, func() {
			_ = conn.SetDeadline(time.Unix(1, 0))
		})
		err = requestSession(conn, called, calling, d.config.ConnTimeout)
		if !stop() {
			conn.Close()
			return nil, ctx.Err()
		}
		if err == nil {
			return newSessionConn(conn), nil
		}
		conn.Close()

		var rt *retargetError
		if !errors.As(err, &rt) {
			return nil, err
		}
		if hop >= maxRetargets {
			return nil, fmt.Errorf("too many retargets: %w", err)
		}
		d.logf("session to %s retargeted to %v", hostport, rt.addr)
		hostport = rt.addr.String()
	}
}
