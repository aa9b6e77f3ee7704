package netbios

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
)

// NodeType is the NetBIOS resolution mode of the node owning a name.
type NodeType int

const (
	BNode NodeType = iota // broadcast only
	PNode                 // point-to-point, name server only
	MNode                 // broadcast, then name server
	HNode                 // name server, then broadcast
)

func (t NodeType) String() string {
	switch t {
	case BNode:
		return "B"
	case PNode:
		return "P"
	case MNode:
		return "M"
	case HNode:
		return "H"
	default:
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
}

type calledState int

const (
	calledNone calledState = iota
	calledHost
	calledSMBServer
	calledDone
)

// Address is a NetBIOS name bound to an IPv4 address.
//
// An Address is populated in up to three degrees: a bare IP, the name data
// carried by a name query answer (name, group flag, node type) and the
// extended data only a node status query returns (MAC address and the
// deleted, conflict, active and permanent flags). Accessors that need more
// than the Address holds query the network through the Client that created
// it, which is why they take a context.
//
// An Address is shared between the cache and callers; node status answers
// update it in place, so all fields are guarded by mu.
type Address struct {
	client *Client

	mu             sync.Mutex
	name           Name
	ip             uint32
	group          bool
	nodeType       NodeType
	beingDeleted   bool
	inConflict     bool
	active         bool
	permanent      bool
	mac            net.HardwareAddr
	fromNodeStatus bool

	called     calledState
	calledName string
}

func newAddress(c *Client, name Name, ip uint32) *Address {
	return &Address{client: c, name: name, ip: ip}
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// Name returns the NetBIOS name, which is the unknown placeholder for an
// Address built from a bare IP.
func (a *Address) Name() Name {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

// NameType returns the type byte of the name.
func (a *Address) NameType() byte {
	return a.Name().HexCode
}

// HostName returns the NetBIOS name, or the dotted IP when no name is known.
func (a *Address) HostName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.name.IsUnknown() {
		return uint32ToIP(a.ip).String()
	}
	return a.name.Name
}

// HostAddress returns the IP in dotted quad form.
func (a *Address) HostAddress() string {
	return uint32ToIP(a.ipValue()).String()
}

// IP returns the IPv4 address.
func (a *Address) IP() net.IP {
	return uint32ToIP(a.ipValue())
}

func (a *Address) ipValue() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ip
}

func (a *Address) setSource(src uint32) {
	a.mu.Lock()
	a.name.SrcHashCode = src
	a.mu.Unlock()
}

// checkData loads the name data for an Address that only holds an IP.
func (a *Address) checkData(ctx context.Context) error {
	a.mu.Lock()
	unknown := a.name.IsUnknown()
	a.mu.Unlock()
	if !unknown {
		return nil
	}
	_, err := a.client.GetAllByAddressOf(ctx, a)
	return err
}

// checkNodeStatusData loads the data only a node status answer carries.
func (a *Address) checkNodeStatusData(ctx context.Context) error {
	a.mu.Lock()
	loaded := a.fromNodeStatus
	a.mu.Unlock()
	if loaded {
		return nil
	}
	_, err := a.client.GetAllByAddressOf(ctx, a)
	return err
}

// IsGroupAddress reports whether the name is a group name.
func (a *Address) IsGroupAddress(ctx context.Context) (bool, error) {
	if err := a.checkData(ctx); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.group, nil
}

// NodeType returns the node type of the owner of the name.
func (a *Address) NodeType(ctx context.Context) (NodeType, error) {
	if err := a.checkData(ctx); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeType, nil
}

// IsBeingDeleted reports whether the name is being released.
func (a *Address) IsBeingDeleted(ctx context.Context) (bool, error) {
	if err := a.checkNodeStatusData(ctx); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.beingDeleted, nil
}

// IsInConflict reports whether the name is in conflict.
func (a *Address) IsInConflict(ctx context.Context) (bool, error) {
	if err := a.checkNodeStatusData(ctx); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inConflict, nil
}

// IsActive reports whether the name is active.
func (a *Address) IsActive(ctx context.Context) (bool, error) {
	if err := a.checkNodeStatusData(ctx); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active, nil
}

// IsPermanent reports whether the name is permanent.
func (a *Address) IsPermanent(ctx context.Context) (bool, error) {
	if err := a.checkNodeStatusData(ctx); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permanent, nil
}

// MacAddress returns the hardware address reported by the node.
func (a *Address) MacAddress(ctx context.Context) (net.HardwareAddr, error) {
	if err := a.checkNodeStatusData(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(net.HardwareAddr(nil), a.mac...), nil
}

// matchesNodeStatus reports whether e names this Address: same type and
// either the same name or an Address that has no name yet.
func (a *Address) matchesNodeStatus(e nodeStatusEntry) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name.HexCode == e.hexCode && (a.name.IsUnknown() || a.name.Name == e.name)
}

// absorbNodeStatus updates a in place from its own node status entry.
func (a *Address) absorbNodeStatus(e nodeStatusEntry, scope string, mac net.HardwareAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.name.IsUnknown() {
		a.name = Name{Name: e.name, HexCode: e.hexCode, Scope: scope, SrcHashCode: a.name.SrcHashCode}
	}
	a.setNodeStatusLocked(e, mac)
}

// applyNodeStatus fills a freshly allocated Address.
func (a *Address) applyNodeStatus(e nodeStatusEntry, mac net.HardwareAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setNodeStatusLocked(e, mac)
}

func (a *Address) setNodeStatusLocked(e nodeStatusEntry, mac net.HardwareAddr) {
	a.group = e.group
	a.nodeType = e.nodeType
	a.beingDeleted = e.beingDeleted
	a.inConflict = e.inConflict
	a.active = e.active
	a.permanent = e.permanent
	a.mac = mac
	a.fromNodeStatus = true
}

// FirstCalledName starts the sequence of names tried as the called name of
// a NetBIOS session. Names that cannot be a server's own name (an IP, a
// name longer than 15 characters, a domain or browser name) start with
// *SMBSERVER instead.
func (a *Address) FirstCalledName() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calledName = a.name.Name
	a.called = calledHost
	switch {
	case IsDotQuadIP(a.calledName), len(a.calledName) > maxNameLength:
		a.calledName = SMBServerName
	case a.name.HexCode == TypeDomainMasterBrowser,
		a.name.HexCode == TypeDomainController,
		a.name.HexCode == TypeMasterBrowser:
		a.calledName = SMBServerName
	}
	if a.calledName == SMBServerName {
		a.called = calledSMBServer
	}
	return a.calledName
}

// NextCalledName returns the next name to try after the server rejected the
// previous one, or "" when no candidates remain. After *SMBSERVER it asks
// the node for its names; for a 0x1D lookup the node's file server name is
// used.
func (a *Address) NextCalledName(ctx context.Context) string {
	a.mu.Lock()
	state := a.called
	switch state {
	case calledHost:
		a.called = calledSMBServer
		a.calledName = SMBServerName
		a.mu.Unlock()
		return SMBServerName
	case calledSMBServer:
		a.called = calledDone
		a.calledName = ""
		a.mu.Unlock()
	default:
		a.called = calledDone
		a.calledName = ""
		a.mu.Unlock()
		return ""
	}

	addrs, err := a.client.NodeStatus(ctx, a)
	if err != nil {
		return ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.name.HexCode == TypeMasterBrowser {
		for _, other := range addrs {
			if other == a {
				continue
			}
			if n := other.Name(); n.HexCode == TypeFileServer {
				a.calledName = n.Name
				return n.Name
			}
		}
		return ""
	}
	if a.fromNodeStatus && !a.name.IsUnknown() {
		a.calledName = a.name.Name
		return a.name.Name
	}
	return ""
}

// Equal reports whether a and o refer to the same IP.
func (a *Address) Equal(o *Address) bool {
	if a == nil || o == nil {
		return a == o
	}
	return a.ipValue() == o.ipValue()
}

// String renders the address as name/ip.
func (a *Address) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name.String() + "/" + uint32ToIP(a.ip).String()
}
