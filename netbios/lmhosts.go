package netbios

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
)

// maxIncludeDepth bounds nested #INCLUDE directives.
const maxIncludeDepth = 8

// ErrNoAlternateLoaded is reported when no include of a
// #BEGIN_ALTERNATE block could be loaded.
var ErrNoAlternateLoaded = errors.New("no lmhosts alternate includes loaded")

// IncludeReader fetches the file named by an lmhosts #INCLUDE directive,
// given as a UNC path such as \\server\share\lmhosts.
type IncludeReader interface {
	ReadInclude(ctx context.Context, unc string) (io.ReadCloser, error)
}

// IncludeReaderFunc adapts a function to IncludeReader.
type IncludeReaderFunc func(ctx context.Context, unc string) (io.ReadCloser, error)

func (f IncludeReaderFunc) ReadInclude(ctx context.Context, unc string) (io.ReadCloser, error) {
	return f(ctx, unc)
}

// lmhosts resolves file server names from a static hosts file. The file is
// parsed again whenever its modification time advances.
type lmhosts struct {
	path    string
	fs      afero.Fs
	include IncludeReader
	scope   string
	client  *Client
	logger  Logger

	mu      sync.Mutex // serializes reloads
	modTime time.Time

	// loading is set while a reload runs. An include fetch resolves its
	// server through the Client, which comes back here; such lookups read
	// the current table instead of waiting on mu.
	loading atomic.Bool

	tableMu sync.RWMutex
	table   map[Name]*Address
}

func newLmhosts(c *Client, cfg *Config) *lmhosts {
	return &lmhosts{
		path:    cfg.LmhostsPath,
		fs:      cfg.Fs,
		include: cfg.IncludeReader,
		scope:   cfg.Scope,
		client:  c,
		logger:  cfg.Logger,
		table:   make(map[Name]*Address),
	}
}

func (l *lmhosts) logf(format string, v ...interface{}) {
	if l.logger != nil {
		l.logger.Printf(format, v...)
	}
}

// lookupHost resolves host as a file server name.
func (l *lmhosts) lookupHost(ctx context.Context, host string) *Address {
	return l.lookup(ctx, NewName(host, TypeFileServer, l.scope))
}

// lookup returns the entry for name, or nil. Only type 0x20 names are ever
// present.
func (l *lmhosts) lookup(ctx context.Context, name Name) *Address {
	if l.path == "" {
		return nil
	}
	if !l.loading.Load() {
		l.mu.Lock()
		l.reloadIfChanged(ctx)
		l.mu.Unlock()
	}

	l.tableMu.RLock()
	defer l.tableMu.RUnlock()
	return l.table[name.withoutSource()]
}

// reloadIfChanged parses the file again when its mtime is newer than the
// last read. It must be called with mu held.
func (l *lmhosts) reloadIfChanged(ctx context.Context) {
	info, err := l.fs.Stat(l.path)
	if err != nil {
		l.logf("lmhosts: %v", err)
		return
	}
	if !info.ModTime().After(l.modTime) {
		return
	}
	l.modTime = info.ModTime()

	f, err := l.fs.Open(l.path)
	if err != nil {
		l.logf("lmhosts: %v", err)
		return
	}
	defer f.Close()

	l.loading.Store(true)
	defer l.loading.Store(false)

	table := make(map[Name]*Address)
	p := &lmhostsParser{l: l, ctx: ctx}
	if err := p.populate(f, table, 0); err != nil {
		l.logf("lmhosts: %s: %v", l.path, err)
	}

	l.tableMu.Lock()
	l.table = table
	l.tableMu.Unlock()
	l.logf("lmhosts: loaded %d entries from %s", len(table), l.path)
}

// lmhostsParser holds the state of one parse, including nested includes.
type lmhostsParser struct {
	l   *lmhosts
	ctx context.Context
	alt int // depth of open #BEGIN_ALTERNATE blocks
}

// populate parses r into table. Problems with individual includes are
// collected and returned together; parsing always runs to the end of r.
func (p *lmhostsParser) populate(r io.Reader, table map[Name]*Address, depth int) error {
	var errs []error
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		line := strings.ToUpper(raw)

		if line[0] != '#' {
			p.addEntry(raw, table)
			continue
		}

		switch {
		case strings.HasPrefix(line, "#INCLUDE "):
			unc := includeTarget(raw)
			if p.alt > 0 {
				if err := p.includeInto(unc, table, depth); err != nil {
					p.l.logf("lmhosts: alternate include %s: %v", unc, err)
					continue
				}
				// The first include that loads satisfies the block.
				p.alt--
				for sc.Scan() {
					if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sc.Text())), "#END_ALTERNATE") {
						break
					}
				}
				continue
			}
			if err := p.includeInto(unc, table, depth); err != nil {
				errs = append(errs, fmt.Errorf("include %s: %w", unc, err))
			}
		case strings.HasPrefix(line, "#BEGIN_ALTERNATE"):
			p.alt++
		case strings.HasPrefix(line, "#END_ALTERNATE") && p.alt > 0:
			p.alt--
			errs = append(errs, ErrNoAlternateLoaded)
		}
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// includeInto fetches unc and merges its entries into table only if the
// whole include was read.
func (p *lmhostsParser) includeInto(unc string, table map[Name]*Address, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("includes nested deeper than %d", maxIncludeDepth)
	}
	if p.l.include == nil {
		return errors.New("no include reader configured")
	}
	rc, err := p.l.include.ReadInclude(p.ctx, unc)
	if err != nil {
		return err
	}
	defer rc.Close()

	included := make(map[Name]*Address)
	if err := p.populate(rc, included, depth+1); err != nil {
		p.l.logf("lmhosts: %s: %v", unc, err)
	}
	for name, addr := range included {
		table[name] = addr
	}
	return nil
}

// includeTarget extracts the UNC path of an #INCLUDE line.
func includeTarget(line string) string {
	if i := strings.IndexByte(line, '\\'); i >= 0 {
		return strings.TrimSpace(line[i:])
	}
	return strings.TrimSpace(line[len("#INCLUDE "):])
}

// addEntry installs an "<ip> <name> [#PRE #DOM:...]" line as a permanent,
// active B node file server name.
func (p *lmhostsParser) addEntry(line string, table map[Name]*Address) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		p.l.logf("lmhosts: ignoring line %q", line)
		return
	}
	ip := net.ParseIP(fields[0]).To4()
	if ip == nil {
		p.l.logf("lmhosts: ignoring line with invalid address %q", line)
		return
	}

	name := NewName(fields[1], TypeFileServer, p.l.scope)
	addr := newAddress(p.l.client, name, ipToUint32(ip))
	addr.nodeType = BNode
	addr.active = true
	addr.permanent = true
	addr.mac = make(net.HardwareAddr, macAddressLength)
	table[name] = addr
	p.l.logf("lmhosts: %s -> %s", name, ip)
}
