package netbios

import (
	"encoding/binary"
	"net"
	"sync"
	"time"
)

// timeoutError is the read deadline error of fakeConn.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeQuery is a datagram sent by the Client, decoded for responders.
type fakeQuery struct {
	trnID     uint16
	name      Name
	qtype     uint16
	broadcast bool
	dst       *net.UDPAddr
}

// fakeNet is an in-memory datagram network. Every datagram a Client sends
// is recorded and handed to respond, whose return values are delivered back
// to the sending socket.
type fakeNet struct {
	mu      sync.Mutex
	sent    []fakeQuery
	listens int
	respond func(q fakeQuery) [][]byte
	conns   []*fakeConn
}

func newFakeNet(respond func(q fakeQuery) [][]byte) *fakeNet {
	return &fakeNet{respond: respond}
}

func (n *fakeNet) listen(*net.UDPAddr) (PacketConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &fakeConn{net: n, in: make(chan []byte, 64), closed: make(chan struct{})}
	n.listens++
	n.conns = append(n.conns, c)
	return c, nil
}

func (n *fakeNet) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNet) sentQueries() []fakeQuery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]fakeQuery(nil), n.sent...)
}

func (n *fakeNet) listenCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listens
}

type fakeConn struct {
	net *fakeNet
	in  chan []byte

	mu       sync.Mutex
	deadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case b := <-c.in:
		return copy(p, b), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 137}, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, timeoutError{}
	}
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	var q fakeQuery
	var h header
	if err := h.readWire(p); err != nil {
		return 0, err
	}
	name, n, err := DecodeName(p[headerLength:])
	if err != nil {
		return 0, err
	}
	q.trnID = h.trnID
	q.broadcast = h.broadcast
	q.name = name
	q.qtype = binary.BigEndian.Uint16(p[headerLength+n:])
	q.dst, _ = addr.(*net.UDPAddr)

	c.net.mu.Lock()
	c.net.sent = append(c.net.sent, q)
	respond := c.net.respond
	c.net.mu.Unlock()

	if respond != nil {
		for _, b := range respond(q) {
			c.in <- b
		}
	}
	return len(p), nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// nbEntry is one address of a name query answer.
type nbEntry struct {
	ip       string
	group    bool
	nodeType NodeType
}

func nbRdata(entries ...nbEntry) []byte {
	var rdata []byte
	for _, e := range entries {
		flags := byte(e.nodeType) << 5
		if e.group {
			flags |= 0x80
		}
		rdata = append(rdata, flags, 0x00)
		rdata = append(rdata, net.ParseIP(e.ip).To4()...)
	}
	return rdata
}

// nameQueryAnswer builds a name query response whose record name points
// back at the question.
func nameQueryAnswer(trnID uint16, name Name, rcode byte, entries ...nbEntry) []byte {
	h := header{
		trnID:            trnID,
		isResponse:       true,
		opcode:           opQuery,
		authoritative:    true,
		recursionDesired: true,
		rcode:            rcode,
		answerCount:      1,
	}
	b := h.appendWire(nil)
	rr := resourceRecord{name: name, rtype: recordTypeNB, class: classIN, ttl: 300000, rdata: nbRdata(entries...)}
	return appendResourceRecord(b, rr, nil)
}

// nodeName is one entry of a node status answer.
type nodeName struct {
	name  string
	typ   byte
	flags byte
}

func nodeStatusRdata(names []nodeName, mac net.HardwareAddr) []byte {
	rdata := []byte{byte(len(names))}
	for _, n := range names {
		var raw [nodeStatusEntryLength]byte
		i := copy(raw[:maxNameLength], n.name)
		for ; i < maxNameLength; i++ {
			raw[i] = ' '
		}
		raw[15] = n.typ
		raw[16] = n.flags
		rdata = append(rdata, raw[:]...)
	}
	rdata = append(rdata, mac...)
	return append(rdata, make([]byte, 46)...) // statistics
}

func nodeStatusAnswer(trnID uint16, question Name, names []nodeName, mac net.HardwareAddr) []byte {
	h := header{
		trnID:         trnID,
		isResponse:    true,
		opcode:        opQuery,
		authoritative: true,
		answerCount:   1,
	}
	b := h.appendWire(nil)
	q := question
	q.HexCode = 0x00
	rr := resourceRecord{name: q, rtype: recordTypeNBSTAT, class: classIN, rdata: nodeStatusRdata(names, mac)}
	return appendResourceRecord(b, rr, nil)
}

// testClient returns a Client on fn with fast timers.
func testClient(fn *fakeNet, mutate func(cfg *Config)) (*Client, error) {
	cfg := DefaultConfig()
	cfg.RetryCount = 2
	cfg.RetryTimeout = 50 * time.Millisecond
	cfg.SoTimeout = 100 * time.Millisecond
	cfg.ResolveOrder = []ResolverType{ResolverBcast}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClientWithListener(&cfg, fn.listen)
}
