package netbios

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// GetByName resolves host as a name of type hexCode. An empty scope uses
// the configured scope. A dotted quad host yields an Address holding only
// the IP; its name is loaded on demand. When svr is set the query goes only
// to that address; otherwise the resolve order is walked.
func (c *Client) GetByName(ctx context.Context, host string, hexCode byte, scope string, svr net.IP) (*Address, error) {
	if host == "" {
		return nil, &ResolveError{Op: "lookup", Name: host, Err: ErrInvalidName}
	}
	if IsDotQuadIP(host) {
		a := newAddress(c, unknownName(), ipToUint32(net.ParseIP(host)))
		a.nodeType = BNode
		return a, nil
	}
	if scope == "" {
		scope = c.config.Scope
	}
	return c.doNameQuery(ctx, NewName(host, hexCode, scope), svr)
}

// doNameQuery consults the cache and then resolves name, sharing the wire
// query with any concurrent lookup of the same name.
func (c *Client) doNameQuery(ctx context.Context, name Name, svr net.IP) (*Address, error) {
	if name.HexCode == TypeMasterBrowser && svr == nil {
		svr = c.config.BroadcastAddress
	}
	name.SrcHashCode = 0
	if svr != nil {
		name.SrcHashCode = hashIP(svr)
	}

	if c.cache.enabled() {
		addr, ok := c.cache.get(name)
		recordCacheLookup(c.metrics, ok)
		if ok {
			return c.checkUnknown(addr, name)
		}
	}

	for {
		ch := c.lookups.DoChan(name.key(), func() (interface{}, error) {
			// A lookup that finished while we waited may have filled the cache.
			if addr, ok := c.cache.get(name); ok {
				return addr, nil
			}
			return c.resolveAndCache(ctx, name, svr)
		})
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.Err != nil {
			// The representative lookup was cancelled by its own caller.
			if isContextError(res.Err) && ctx.Err() == nil {
				continue
			}
			return nil, res.Err
		}
		return c.checkUnknown(res.Val.(*Address), name)
	}
}

func (c *Client) checkUnknown(addr *Address, name Name) (*Address, error) {
	if addr == c.unknown {
		return nil, unknownHost("lookup", name.String())
	}
	return addr, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// resolveAndCache queries name and caches the outcome. A name no strategy
// could resolve is cached as unknown; cancellation and a closed Client are
// not cached.
func (c *Client) resolveAndCache(ctx context.Context, name Name, svr net.IP) (*Address, error) {
	addr, src, err := c.queryByName(ctx, name, svr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrClientClosed) {
			return nil, err
		}
		c.cache.put(name, c.unknown)
		return c.unknown, nil
	}
	if src == ResolverLmhosts {
		c.cache.putForever(name, addr)
	} else {
		c.cache.put(name, addr)
	}
	return addr, nil
}

// fatal reports errors that end a resolution instead of moving on to the
// next strategy.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, ErrClientClosed)
}

// queryByName resolves name on the wire or from lmhosts and reports which
// strategy answered.
func (c *Client) queryByName(ctx context.Context, name Name, svr net.IP) (*Address, ResolverType, error) {
	req := newNameQueryRequest(name)
	resp := newNameQueryResponse(c, name)

	if svr != nil {
		v4 := svr.To4()
		req.setDestination(c.nsAddr(svr), v4 != nil && v4[3] == 0xFF)
		for n := c.config.RetryCount; n > 0; n-- {
			err := c.send(ctx, req, resp, c.config.RetryTimeout)
			if err != nil && !errors.Is(err, ErrNoResponse) {
				if fatal(ctx, err) {
					return nil, 0, err
				}
				return nil, 0, &ResolveError{Op: "query", Name: name.String(), Err: fmt.Errorf("%w: %v", ErrUnknownHost, err)}
			}
			if err == nil && resp.answered() {
				last := resp.addrs[len(resp.addrs)-1]
				last.setSource(hashIP(svr))
				return last, 0, nil
			}
		}
		return nil, 0, unknownHost("query", name.String())
	}

	for _, r := range c.config.ResolveOrder {
		switch r {
		case ResolverLmhosts:
			if addr := c.lmhosts.lookup(ctx, name); addr != nil {
				return addr, ResolverLmhosts, nil
			}
		case ResolverWINS, ResolverBcast:
			if r == ResolverWINS && name.Name != MasterBrowserName && name.HexCode != TypeMasterBrowser {
				wins := c.WINSAddress()
				if wins == nil {
					continue
				}
				req.setDestination(c.nsAddr(wins), false)
			} else {
				req.setDestination(c.nsAddr(c.config.BroadcastAddress), true)
			}

			for n := c.config.RetryCount; n > 0; n-- {
				err := c.send(ctx, req, resp, c.config.RetryTimeout)
				if err != nil && !errors.Is(err, ErrNoResponse) {
					if fatal(ctx, err) {
						return nil, 0, err
					}
					c.logf("netbios: %s query for %s: %v", r, name, err)
					break
				}
				if err == nil && resp.answered() {
					addr := resp.addrs[0]
					addr.setSource(hashIP(req.destination().IP))
					return addr, r, nil
				}
				// A WINS answer, negative or missing after failover, ends the slot.
				if r == ResolverWINS {
					break
				}
			}
		case ResolverDNS:
			// Host names only; see GetAllByName.
		}
	}
	return nil, 0, unknownHost("query", name.String())
}

// NodeStatus asks the node at addr for every name it has registered. The
// entry matching addr updates addr itself. The result is not cached.
func (c *Client) NodeStatus(ctx context.Context, addr *Address) ([]*Address, error) {
	name := NewName(AnyHostsName, 0x00, c.config.Scope)
	ip := addr.IP()
	req := newNodeStatusRequest(name)
	req.setDestination(c.nsAddr(ip), false)
	resp := newNodeStatusResponse(c, name, addr)

	for n := c.config.RetryCount; n > 0; n-- {
		err := c.send(ctx, req, resp, c.config.RetryTimeout)
		if err != nil && !errors.Is(err, ErrNoResponse) {
			return nil, &ResolveError{Op: "node status", Name: ip.String(), Err: err}
		}
		if err == nil && resp.answered() {
			src := hashIP(ip)
			for _, a := range resp.addrs {
				a.setSource(src)
			}
			return resp.addrs, nil
		}
	}
	return nil, unknownHost("node status", ip.String())
}

// GetAllByAddressOf runs a node status query for addr and caches every
// returned name.
func (c *Client) GetAllByAddressOf(ctx context.Context, addr *Address) ([]*Address, error) {
	addrs, err := c.NodeStatus(ctx, addr)
	if err != nil {
		if ctx.Err() != nil || !IsUnknownHost(err) {
			return nil, err
		}
		n := addr.Name()
		scope := "with no scope"
		if n.Scope != "" {
			scope = "with scope " + n.Scope
		}
		return nil, &ResolveError{
			Op:   "node status",
			Name: addr.HostAddress(),
			Err:  fmt.Errorf("%w: no name with type 0x%02X %s", ErrUnknownHost, n.HexCode, scope),
		}
	}
	for _, a := range addrs {
		c.cache.put(a.Name(), a)
	}
	return addrs, nil
}

// GetAllByAddress resolves host as a workstation name (or takes it as an
// IP) and returns every name registered by that node.
func (c *Client) GetAllByAddress(ctx context.Context, host string) ([]*Address, error) {
	addr, err := c.GetByName(ctx, host, TypeWorkstation, "", nil)
	if err != nil {
		return nil, err
	}
	return c.GetAllByAddressOf(ctx, addr)
}

// LookupServerOrWorkgroup resolves name as both a domain or workgroup
// browser name and a file server name at svr, returning whichever answers
// first. The browser answer is preferred when both are in.
func (c *Client) LookupServerOrWorkgroup(ctx context.Context, name string, svr net.IP) (*Address, error) {
	groupType := TypeMasterBrowser
	if c.IsWINS(svr) {
		groupType = TypeDomainMasterBrowser
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		results [2]*Address
		errs    [2]error
		g       errgroup.Group
	)
	for i, t := range [2]byte{groupType, TypeFileServer} {
		g.Go(func() error {
			addr, err := c.GetByName(ctx, name, t, "", svr)
			mu.Lock()
			results[i], errs[i] = addr, err
			mu.Unlock()
			if err == nil {
				cancel()
			}
			return nil
		})
	}
	// The loser is cancelled above and joined here.
	_ = g.Wait()

	switch {
	case results[0] != nil:
		return results[0], nil
	case results[1] != nil:
		return results[1], nil
	}
	return nil, errs[0]
}

// GetAllByName resolves a host name for a session. A dotted quad is taken
// as is; otherwise the resolve order is walked, with DNS as one of the
// strategies. When possibleWorkgroup is set, WINS and broadcast lookups
// also try the name as a domain or workgroup.
func (c *Client) GetAllByName(ctx context.Context, host string, possibleWorkgroup bool) ([]UniAddress, error) {
	if host == "" {
		return nil, &ResolveError{Op: "lookup", Name: host, Err: ErrInvalidName}
	}
	if IsDotQuadIP(host) {
		addr, err := c.GetByName(ctx, host, TypeFileServer, "", nil)
		if err != nil {
			return nil, err
		}
		return []UniAddress{addr}, nil
	}

	for _, r := range c.config.ResolveOrder {
		var (
			addr *Address
			err  error
		)
		switch r {
		case ResolverLmhosts:
			if addr = c.lmhosts.lookupHost(ctx, host); addr == nil {
				continue
			}
		case ResolverWINS:
			if host == MasterBrowserName || len(host) > maxNameLength {
				continue
			}
			wins := c.WINSAddress()
			if wins == nil {
				continue
			}
			addr, err = c.lookupHost(ctx, host, wins, possibleWorkgroup)
		case ResolverBcast:
			if len(host) > maxNameLength {
				continue
			}
			addr, err = c.lookupHost(ctx, host, c.config.BroadcastAddress, possibleWorkgroup)
		case ResolverDNS:
			addrs, err := c.lookupDNS(ctx, host)
			if err != nil {
				if fatal(ctx, err) {
					return nil, err
				}
				continue
			}
			return addrs, nil
		default:
			continue
		}
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			continue
		}
		return []UniAddress{addr}, nil
	}
	return nil, unknownHost("lookup", host)
}

func (c *Client) lookupHost(ctx context.Context, host string, svr net.IP, possibleWorkgroup bool) (*Address, error) {
	if possibleWorkgroup {
		return c.LookupServerOrWorkgroup(ctx, host, svr)
	}
	return c.GetByName(ctx, host, TypeFileServer, "", svr)
}

func (c *Client) lookupDNS(ctx context.Context, host string) ([]UniAddress, error) {
	if IsAllDigits(host) {
		return nil, unknownHost("dns", host)
	}
	ips, err := c.lookupIP(ctx, host)
	if err != nil {
		return nil, &ResolveError{Op: "dns", Name: host, Err: fmt.Errorf("%w: %v", ErrUnknownHost, err)}
	}
	var addrs []UniAddress
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			addrs = append(addrs, NewInetAddress(host, v4))
		}
	}
	if len(addrs) == 0 {
		return nil, unknownHost("dns", host)
	}
	return addrs, nil
}
