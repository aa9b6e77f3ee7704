package netbios

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// PacketConn is the datagram socket a Client sends queries on and reads
// answers from. *net.UDPConn satisfies it.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// ListenFunc opens the socket of a Client on laddr.
type ListenFunc func(laddr *net.UDPAddr) (PacketConn, error)

func listenUDP(laddr *net.UDPAddr) (PacketConn, error) {
	return net.ListenUDP("udp4", laddr)
}

// Client resolves NetBIOS names over the name service.
//
// The socket and its receiver goroutine are opened on first use and closed
// again once the socket has been idle for SoTimeout with nothing pending.
// Answers are matched to queries by transaction id. Resolved addresses are
// cached per Client and concurrent lookups of one name share a single query.
type Client struct {
	config  Config
	logger  Logger
	metrics Metrics

	mu        sync.Mutex // guards the fields below and serializes transmits
	conn      PacketConn
	nextTrnID uint16
	sendBuf   []byte
	winsIndex int
	closed    bool

	closeTimeout atomic.Int64 // receiver idle timeout in nanoseconds

	pendingMu sync.Mutex
	pending   map[uint16]*pendingResponse

	cache     *addressCache
	lookups   singleflight.Group
	lmhosts   *lmhosts
	unknown   *Address
	localName Name

	listen   ListenFunc
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)

	wg sync.WaitGroup
}

// NewClient creates a Client. No socket is opened until the first query.
func NewClient(cfg *Config) (*Client, error) {
	return NewClientWithListener(cfg, nil)
}

// NewClientWithListener creates a Client that opens its socket with listen.
// A nil listen uses UDP.
func NewClientWithListener(cfg *Config, listen ListenFunc) (*Client, error) {
	if cfg == nil {
		d := DefaultConfig()
		cfg = &d
	}
	config := *cfg
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if listen == nil {
		listen = listenUDP
	}

	c := &Client{
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		sendBuf: make([]byte, 0, maxDatagramSize),
		pending: make(map[uint16]*pendingResponse),
		cache:   newAddressCache(config.CachePolicy, config.MaxCacheEntries),
		listen:  listen,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip4", host)
		},
	}
	c.unknown = newAddress(c, unknownName(), 0)
	c.cache.pin(unknownName(), c.unknown)
	c.lmhosts = newLmhosts(c, &c.config)
	c.localName = NewName(localHostname(config), TypeWorkstation, config.Scope)
	c.nextTrnID = uint16(rand.IntN(0xFFFF))
	return c, nil
}

func unknownName() Name {
	return Name{Name: unknownHostName, HexCode: 0x00}
}

func localHostname(cfg Config) string {
	if cfg.Hostname != "" {
		return cfg.Hostname
	}
	if ip := cfg.LocalAddress.To4(); ip != nil && !ip.IsUnspecified() {
		return fmt.Sprintf("CIFS%d_%d_%02X", ip[2], ip[3], rand.IntN(0xFF))
	}
	return fmt.Sprintf("CIFS%06d", rand.IntN(1000000))
}

func (c *Client) logf(format string, v ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, v...)
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// LocalName returns the NetBIOS name of this host, used as the calling name
// of sessions.
func (c *Client) LocalName() Name {
	return c.localName
}

// CacheStats returns address cache statistics.
func (c *Client) CacheStats() CacheStats {
	return c.cache.stats()
}

// Close closes the socket, fails pending queries and waits for the
// receiver to exit. The Client cannot be used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.failPending(ErrClientClosed)
	c.wg.Wait()
	return err
}

// pendingResponse is one entry of the correlation table.
type pendingResponse struct {
	mu       sync.Mutex
	resp     response
	qtype    uint16
	received bool
	closed   bool
	err      error
	signal   chan struct{}
}

func newPendingResponse(resp response, qtype uint16) *pendingResponse {
	return &pendingResponse{resp: resp, qtype: qtype, signal: make(chan struct{}, 1)}
}

func (p *pendingResponse) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// satisfiedLocked reports whether the response holds an answer of the
// question's record type. Requires mu.
func (p *pendingResponse) satisfiedLocked() bool {
	return p.received && p.resp.recordType() == p.qtype
}

// deliver decodes b into the response. It reports false when the entry no
// longer accepts datagrams. A datagram of another record type that has not
// been checked yet is overwritten.
func (p *pendingResponse) deliver(b []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.satisfiedLocked() {
		return false, nil
	}
	if err := p.resp.readWire(b); err != nil {
		p.err = err
		p.wake()
		return true, err
	}
	p.received = true
	p.wake()
	return true, nil
}

// check reports whether the wait is over. A received answer of another
// record type, e.g. a node status reply to a broadcast name query, is
// discarded and the wait continues.
func (p *pendingResponse) check() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return true, p.err
	}
	if p.satisfiedLocked() {
		return true, nil
	}
	p.received = false
	return false, nil
}

func (p *pendingResponse) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
	p.wake()
}

func (p *pendingResponse) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, p := range c.pending {
		p.fail(err)
	}
}

// nextID returns a fresh transaction id, never zero. Requires mu.
func (c *Client) nextID() uint16 {
	c.nextTrnID++
	if c.nextTrnID == 0 {
		c.nextTrnID = 1
	}
	return c.nextTrnID
}

// ensureOpenLocked opens the socket and starts the receiver if needed. The
// receiver stays up for at least timeout plus a second. Requires mu.
func (c *Client) ensureOpenLocked(timeout time.Duration) error {
	if c.closed {
		return ErrClientClosed
	}

	idle := c.config.SoTimeout
	if t := timeout + time.Second; t > idle {
		idle = t
	}
	c.closeTimeout.Store(int64(idle))

	if c.conn != nil {
		return nil
	}
	laddr := &net.UDPAddr{IP: c.config.LocalAddress, Port: c.config.LocalPort}
	conn, err := c.listen(laddr)
	if err != nil {
		return fmt.Errorf("open name service socket: %w", err)
	}
	c.conn = conn
	c.wg.Add(1)
	go c.receive(conn)
	c.logf("netbios: socket opened on %v", laddr)
	return nil
}

// receive reads datagrams from conn until it is idle, fails or is replaced.
func (c *Client) receive(conn PacketConn) {
	defer c.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		timeout := time.Duration(c.closeTimeout.Load())
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			c.detach(conn, err)
			return
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if c.closeIfIdle(conn) {
					return
				}
				continue
			}
			c.detach(conn, err)
			return
		}
		c.dispatch(buf[:n])
	}
}

// closeIfIdle closes conn when no query is pending on it.
func (c *Client) closeIfIdle(conn PacketConn) bool {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return true
	}
	c.pendingMu.Lock()
	busy := len(c.pending) > 0
	c.pendingMu.Unlock()
	if busy {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	c.mu.Unlock()

	conn.Close()
	c.logf("netbios: socket closed after idle timeout")
	return true
}

// detach drops conn after a read error and fails the queries waiting on it.
func (c *Client) detach(conn PacketConn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if !current {
		return
	}
	conn.Close()
	if !closed {
		c.logf("netbios: receive failed: %v", err)
		c.failPending(fmt.Errorf("receive: %w", err))
	}
}

// dispatch hands a datagram to the query waiting on its transaction id.
func (c *Client) dispatch(b []byte) {
	id, isResponse, ok := readTrnID(b)
	if !ok {
		recordDatagramDropped(c.metrics, "short")
		return
	}
	if !isResponse {
		// Our own broadcasts come back to us.
		recordDatagramDropped(c.metrics, "not_response")
		return
	}

	c.pendingMu.Lock()
	p := c.pending[id]
	c.pendingMu.Unlock()
	if p == nil {
		recordDatagramDropped(c.metrics, "unknown_trn_id")
		return
	}

	accepted, err := p.deliver(b)
	switch {
	case err != nil:
		c.logf("netbios: trn %d: %v", id, err)
		recordDatagramDropped(c.metrics, "malformed")
	case !accepted:
		recordDatagramDropped(c.metrics, "already_received")
	}
}

func queryKind(req request) string {
	if req.questionType() == recordTypeNBSTAT {
		return "node_status"
	}
	return "name_query"
}

// sendOnce transmits req and waits up to timeout for a matching answer.
// The transaction id is always unregistered before it returns.
func (c *Client) sendOnce(ctx context.Context, req request, resp response, timeout time.Duration) (err error) {
	start := time.Now()
	defer func() { observeQuery(c.metrics, queryKind(req), start, err) }()

	p := newPendingResponse(resp, req.questionType())

	c.mu.Lock()
	id := c.nextID()
	c.sendBuf = req.appendWire(c.sendBuf[:0], id)

	c.pendingMu.Lock()
	c.pending[id] = p
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		p.close()
	}()

	if err := c.ensureOpenLocked(timeout); err != nil {
		c.mu.Unlock()
		return err
	}
	_, err = c.conn.WriteTo(c.sendBuf, req.destination())
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", req, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-p.signal:
			if done, err := p.check(); done {
				return err
			}
		case <-timer.C:
			return ErrNoResponse
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// send delivers req, moving to the next WINS server each time a WINS
// server leaves it unanswered. Other failures return immediately.
func (c *Client) send(ctx context.Context, req request, resp response, timeout time.Duration) error {
	attempts := len(c.config.WINSServers)
	if attempts == 0 {
		attempts = 1
	}

	var err error
	for ; attempts > 0; attempts-- {
		err = c.sendOnce(ctx, req, resp, timeout)
		if !errors.Is(err, ErrNoResponse) {
			return err
		}

		dst := req.destination()
		if !c.IsWINS(dst.IP) {
			break
		}
		c.mu.Lock()
		if dst.IP.Equal(c.currentWINSLocked()) {
			c.switchWINSLocked()
		}
		next := c.currentWINSLocked()
		c.mu.Unlock()
		if !next.Equal(dst.IP) {
			c.logf("netbios: WINS %v did not answer, switching to %v", dst.IP, next)
			recordWINSFailover(c.metrics)
		}
		req.setDestination(c.nsAddr(next), false)
	}
	return err
}

// IsWINS reports whether ip is one of the configured WINS servers.
func (c *Client) IsWINS(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, w := range c.config.WINSServers {
		if w.Equal(ip) {
			return true
		}
	}
	return false
}

// WINSAddress returns the WINS server currently in use, or nil.
func (c *Client) WINSAddress() net.IP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentWINSLocked()
}

func (c *Client) currentWINSLocked() net.IP {
	if len(c.config.WINSServers) == 0 {
		return nil
	}
	return c.config.WINSServers[c.winsIndex]
}

func (c *Client) switchWINSLocked() {
	if len(c.config.WINSServers) == 0 {
		return
	}
	c.winsIndex = (c.winsIndex + 1) % len(c.config.WINSServers)
}

func (c *Client) nsAddr(ip net.IP) *net.UDPAddr {
	return &net.UDPAddr{IP: ip, Port: c.config.Port}
}

// hashIP is the source discriminator of answers obtained from ip.
func hashIP(ip net.IP) uint32 {
	return ipToUint32(ip)
}
