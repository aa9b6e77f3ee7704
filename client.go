package cifs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/absfs/cifs/netbios"
)

// Client reads from one SMB share. Servers are located with a NetBIOS
// resolver and connections are pooled.
type Client struct {
	config       *Config
	resolver     *netbios.Client
	ownsResolver bool
	pool         *connectionPool
	pathNorm     *pathNormalizer
	ctx          context.Context
	cancel       context.CancelFunc
}

// New creates a Client with its own resolver built from config.NetBIOS.
// Unless one is configured, lmhosts #INCLUDE targets are fetched over SMB
// with the credentials in config.
func New(config *Config) (*Client, error) {
	if err := prepare(config); err != nil {
		return nil, err
	}

	factory := &SMBConnectionFactory{}
	nb := config.NetBIOS
	if nb.IncludeReader == nil {
		nb.IncludeReader = NewSMBIncludeReader(config, factory)
	}
	resolver, err := netbios.NewClient(&nb)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	factory.resolver = resolver

	c := newClient(config, resolver, factory)
	c.ownsResolver = true
	return c, nil
}

// NewWithResolver creates a Client that shares resolver with other clients.
// Closing the Client leaves resolver open.
func NewWithResolver(config *Config, resolver *netbios.Client) (*Client, error) {
	if resolver == nil {
		return nil, ErrInvalidConfig
	}
	if err := prepare(config); err != nil {
		return nil, err
	}
	return newClient(config, resolver, NewSMBConnectionFactory(resolver)), nil
}

// NewWithFactory creates a Client whose connections come from factory.
func NewWithFactory(config *Config, factory ConnectionFactory) (*Client, error) {
	if factory == nil {
		return nil, ErrInvalidConfig
	}
	if err := prepare(config); err != nil {
		return nil, err
	}
	nb := config.NetBIOS
	resolver, err := netbios.NewClient(&nb)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c := newClient(config, resolver, factory)
	c.ownsResolver = true
	return c, nil
}

func prepare(config *Config) error {
	if config == nil {
		return ErrInvalidConfig
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func newClient(config *Config, resolver *netbios.Client, factory ConnectionFactory) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:   config,
		resolver: resolver,
		pool:     newConnectionPool(config, factory),
		pathNorm: newPathNormalizer(config.CaseSensitive),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.pool.startCleanup(ctx)
	return c
}

func (c *Client) logf(format string, v ...interface{}) {
	if c.config.Logger != nil {
		c.config.Logger.Printf(format, v...)
	}
}

// Resolver returns the NetBIOS resolver the Client locates servers with.
func (c *Client) Resolver() *netbios.Client {
	return c.resolver
}

// PoolStats returns a snapshot of the connection pool.
func (c *Client) PoolStats() PoolStats {
	return c.pool.Stats()
}

// Close closes pooled connections and, when the Client created it, the
// resolver.
func (c *Client) Close() error {
	c.cancel()
	err := c.pool.Close()
	if c.ownsResolver {
		if rerr := c.resolver.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// withConn runs op on a pooled connection. Connections that failed with a
// transient error are dropped instead of being reused.
func (c *Client) withConn(ctx context.Context, op func(share SMBShare) error) error {
	ctx, stop := mergeCancel(ctx, c.ctx)
	defer stop()

	return c.withRetry(ctx, func() error {
		conn, err := c.pool.get(ctx)
		if err != nil {
			return err
		}
		err = op(conn.share)
		if isRetryable(err) {
			c.pool.discard(conn)
		} else {
			c.pool.put(conn)
		}
		return err
	})
}

// mergeCancel returns a context that is also cancelled when parent is.
func mergeCancel(ctx, parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(parent, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// resolvePath validates name and returns its normalized form and the
// share relative path sent to the server.
func (c *Client) resolvePath(name string) (string, string, error) {
	if err := validatePath(name); err != nil {
		return "", "", err
	}
	name = c.pathNorm.normalize(name)
	return name, toSMBPath(name), nil
}

// ReadFile reads the whole file at name.
func (c *Client) ReadFile(ctx context.Context, name string) ([]byte, error) {
	norm, smbPath, err := c.resolvePath(name)
	if err != nil {
		return nil, wrapPathError("read", name, err)
	}

	var data []byte
	err = c.withConn(ctx, func(share SMBShare) error {
		f, err := share.OpenFile(smbPath, os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		defer f.Close()

		if info, err := f.Stat(); err == nil && info.IsDir() {
			return ErrIsDirectory
		}
		data, err = io.ReadAll(f)
		return err
	})
	if err != nil {
		return nil, wrapPathError("read", norm, convertError(err))
	}
	return data, nil
}

// Stat returns file information for name.
func (c *Client) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	norm, smbPath, err := c.resolvePath(name)
	if err != nil {
		return nil, wrapPathError("stat", name, err)
	}

	var info fs.FileInfo
	err = c.withConn(ctx, func(share SMBShare) error {
		fi, err := share.Stat(smbPath)
		if err != nil {
			return err
		}
		info = fi
		return nil
	})
	if err != nil {
		return nil, wrapPathError("stat", norm, convertError(err))
	}
	return info, nil
}

// ReadDir lists the directory at name sorted by file name.
func (c *Client) ReadDir(ctx context.Context, name string) ([]fs.DirEntry, error) {
	norm, smbPath, err := c.resolvePath(name)
	if err != nil {
		return nil, wrapPathError("readdir", name, err)
	}

	var entries []fs.DirEntry
	err = c.withConn(ctx, func(share SMBShare) error {
		info, err := share.Stat(smbPath)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return ErrNotDirectory
		}

		infos, err := share.ReadDir(smbPath)
		if err != nil {
			return err
		}
		entries = make([]fs.DirEntry, 0, len(infos))
		for _, fi := range infos {
			entries = append(entries, fs.FileInfoToDirEntry(fi))
		}
		return nil
	})
	if err != nil {
		return nil, wrapPathError("readdir", norm, convertError(err))
	}

	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}
