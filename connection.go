package cifs

import (
	"context"
	"sync"
	"time"
)

// connectionPool manages a pool of SMB connections to one share.
type connectionPool struct {
	config  *Config
	factory ConnectionFactory

	mu          sync.Mutex
	connections []*pooledConn
	waiters     []chan *pooledConn
	numOpen     int
	closed      bool
}

// pooledConn wraps an SMB connection with metadata.
type pooledConn struct {
	session   SMBSession
	share     SMBShare
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	mu        sync.Mutex
}

// PoolStats describes the state of the connection pool.
type PoolStats struct {
	Open    int // Connections created and not yet closed
	Idle    int // Open connections not in use
	Waiting int // Callers blocked waiting for a connection
}

func newConnectionPool(config *Config, factory ConnectionFactory) *connectionPool {
	return &connectionPool{
		config:      config,
		factory:     factory,
		connections: make([]*pooledConn, 0, config.MaxOpen),
	}
}

// get acquires a connection from the pool, waiting up to ConnTimeout for
// one to be returned or for capacity to free up.
func (p *connectionPool) get(ctx context.Context) (*pooledConn, error) {
	timer := time.NewTimer(p.config.ConnTimeout)
	defer timer.Stop()

	for {
		conn, waiter, err := p.tryGet(ctx)
		if err != nil || conn != nil {
			return conn, err
		}

		select {
		case conn, ok := <-waiter:
			if !ok {
				return nil, ErrConnectionClosed
			}
			if conn != nil {
				return conn, nil
			}
			// A slot was freed; try again.
		case <-ctx.Done():
			p.removeWaiter(waiter)
			return nil, ctx.Err()
		case <-timer.C:
			p.removeWaiter(waiter)
			return nil, ErrPoolExhausted
		}
	}
}

// tryGet returns an idle or new connection, or registers a waiter when the
// pool is at MaxOpen. A waiter receives a connection, nil when a slot was
// freed, or is closed with the pool.
func (p *connectionPool) tryGet(ctx context.Context) (*pooledConn, chan *pooledConn, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrConnectionClosed
	}

	// Reuse an idle connection, dropping expired ones on the way.
	now := time.Now()
	i := 0
	var found *pooledConn
	for _, conn := range p.connections {
		if found == nil && !conn.inUse {
			if now.Sub(conn.lastUsed) < p.config.IdleTimeout {
				conn.inUse = true
				conn.lastUsed = now
				found = conn
			} else {
				p.numOpen--
				go conn.close()
				continue
			}
		}
		p.connections[i] = conn
		i++
	}
	p.connections = p.connections[:i]
	if found != nil {
		p.mu.Unlock()
		return found, nil, nil
	}

	if p.numOpen < p.config.MaxOpen {
		p.numOpen++
		p.mu.Unlock()

		conn, err := p.createConnection(ctx)
		if err != nil {
			p.mu.Lock()
			p.numOpen--
			p.wakeWaiterLocked()
			p.mu.Unlock()
			return nil, nil, err
		}
		return conn, nil, nil
	}

	waiter := make(chan *pooledConn, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()
	return nil, waiter, nil
}

// wakeWaiterLocked tells the first waiter that a slot is free. Requires mu.
func (p *connectionPool) wakeWaiterLocked() {
	if len(p.waiters) == 0 {
		return
	}
	waiter := p.waiters[0]
	p.waiters = p.waiters[1:]
	waiter <- nil
}

// removeWaiter unregisters waiter. A connection or free slot handed over in
// the meantime is passed on.
func (p *connectionPool) removeWaiter(waiter chan *pooledConn) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	conn, ok := <-waiter
	switch {
	case !ok:
	case conn != nil:
		p.put(conn)
	default:
		p.mu.Lock()
		p.wakeWaiterLocked()
		p.mu.Unlock()
	}
}

// put returns a connection to the pool.
func (p *connectionPool) put(conn *pooledConn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		go conn.close()
		return
	}

	conn.inUse = false
	conn.lastUsed = time.Now()

	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		conn.inUse = true
		waiter <- conn
		return
	}

	idleCount := 0
	for _, c := range p.connections {
		if !c.inUse {
			idleCount++
		}
	}

	if idleCount > p.config.MaxIdle {
		p.discardLocked(conn)
	}
}

// discard closes a connection that failed and drops it from the pool.
func (p *connectionPool) discard(conn *pooledConn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go conn.close()
		return
	}
	p.discardLocked(conn)
}

func (p *connectionPool) discardLocked(conn *pooledConn) {
	for i, c := range p.connections {
		if c == conn {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			p.numOpen--
			p.wakeWaiterLocked()
			break
		}
	}
	go conn.close()
}

func (p *connectionPool) createConnection(ctx context.Context) (*pooledConn, error) {
	session, share, err := p.factory.CreateConnection(ctx, p.config)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	conn := &pooledConn{
		session:   session,
		share:     share,
		createdAt: now,
		lastUsed:  now,
		inUse:     true,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.close()
		return nil, ErrConnectionClosed
	}
	p.connections = append(p.connections, conn)
	p.mu.Unlock()

	return conn, nil
}

// close unmounts the share and logs the session off.
func (pc *pooledConn) close() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.share != nil {
		_ = pc.share.Umount()
		pc.share = nil
	}
	if pc.session != nil {
		_ = pc.session.Logoff()
		pc.session = nil
	}
}

// Stats returns a snapshot of the pool.
func (p *connectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{Open: p.numOpen, Waiting: len(p.waiters)}
	for _, c := range p.connections {
		if !c.inUse {
			s.Idle++
		}
	}
	return s
}

// Close closes all connections in the pool.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, waiter := range p.waiters {
		close(waiter)
	}
	p.waiters = nil

	for _, conn := range p.connections {
		go conn.close()
	}
	p.connections = nil
	p.numOpen = 0

	return nil
}

// cleanup removes expired idle connections.
func (p *connectionPool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	now := time.Now()
	i := 0
	for _, conn := range p.connections {
		if !conn.inUse && now.Sub(conn.lastUsed) > p.config.IdleTimeout {
			p.numOpen--
			go conn.close()
			continue
		}
		p.connections[i] = conn
		i++
	}
	p.connections = p.connections[:i]
}

// startCleanup runs cleanup until ctx is done.
func (p *connectionPool) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(p.config.IdleTimeout / 2)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}
