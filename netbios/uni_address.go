package netbios

import (
	"context"
	"net"
	"strings"
	"sync"
)

// UniAddress is a resolved host that a session can be established with,
// either an *Address from NetBIOS or an *InetAddress from DNS.
type UniAddress interface {
	// HostName returns the name the host was resolved by.
	HostName() string
	// HostAddress returns the IP in dotted quad form.
	HostAddress() string
	// IP returns the IPv4 address.
	IP() net.IP
	// FirstCalledName starts the NetBIOS session called name sequence.
	FirstCalledName() string
	// NextCalledName returns the next called name, or "" when exhausted.
	NextCalledName(ctx context.Context) string
	String() string
}

var (
	_ UniAddress = (*Address)(nil)
	_ UniAddress = (*InetAddress)(nil)
)

// InetAddress is a host resolved through DNS.
type InetAddress struct {
	hostName string
	ip       net.IP

	mu         sync.Mutex
	calledName string
}

// NewInetAddress returns an InetAddress for host at ip.
func NewInetAddress(host string, ip net.IP) *InetAddress {
	return &InetAddress{hostName: host, ip: ip}
}

func (a *InetAddress) HostName() string    { return a.hostName }
func (a *InetAddress) HostAddress() string { return a.ip.String() }
func (a *InetAddress) IP() net.IP          { return a.ip }
func (a *InetAddress) String() string      { return a.hostName + "/" + a.ip.String() }

// FirstCalledName derives a NetBIOS name from the DNS name: the first label
// of a qualified name, or *SMBSERVER for an IP or a name too long to be a
// NetBIOS name.
func (a *InetAddress) FirstCalledName() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := a.hostName
	switch i := strings.IndexByte(name, '.'); {
	case IsDotQuadIP(name):
		a.calledName = SMBServerName
	case i > 1 && i < maxNameLength:
		a.calledName = strings.ToUpper(name[:i])
	case len(name) > maxNameLength:
		a.calledName = SMBServerName
	default:
		a.calledName = strings.ToUpper(name)
	}
	return a.calledName
}

// NextCalledName falls back to *SMBSERVER once, then reports exhaustion.
func (a *InetAddress) NextCalledName(context.Context) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calledName != SMBServerName {
		a.calledName = SMBServerName
		return a.calledName
	}
	return ""
}

// IsDotQuadIP reports whether s is an IPv4 address in dotted quad form.
func IsDotQuadIP(s string) bool {
	if strings.Count(s, ".") != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] != '.' && (s[i] < '0' || s[i] > '9') {
			return false
		}
	}
	return net.ParseIP(s).To4() != nil
}

// IsAllDigits reports whether s is a non-empty string of decimal digits.
func IsAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
