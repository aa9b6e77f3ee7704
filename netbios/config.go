package netbios

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Logger interface for logging operations.
type Logger interface {
	Printf(format string, v ...interface{})
}

// ResolverType is one strategy of the resolve order.
type ResolverType int

const (
	ResolverLmhosts ResolverType = iota + 1
	ResolverWINS
	ResolverBcast
	ResolverDNS
)

func (r ResolverType) String() string {
	switch r {
	case ResolverLmhosts:
		return "LMHOSTS"
	case ResolverWINS:
		return "WINS"
	case ResolverBcast:
		return "BCAST"
	case ResolverDNS:
		return "DNS"
	default:
		return fmt.Sprintf("ResolverType(%d)", int(r))
	}
}

// ParseResolverType parses a resolver name such as "WINS" or "bcast".
func ParseResolverType(s string) (ResolverType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LMHOSTS":
		return ResolverLmhosts, nil
	case "WINS":
		return ResolverWINS, nil
	case "BCAST":
		return ResolverBcast, nil
	case "DNS":
		return ResolverDNS, nil
	}
	return 0, fmt.Errorf("unknown resolver %q", s)
}

// ParseResolveOrder parses a comma separated resolve order, e.g.
// "LMHOSTS,WINS,BCAST,DNS".
func ParseResolveOrder(s string) ([]ResolverType, error) {
	var order []ResolverType
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		r, err := ParseResolverType(part)
		if err != nil {
			return nil, err
		}
		order = append(order, r)
	}
	return order, nil
}

// Config holds the configuration for a name service Client.
type Config struct {
	// Resolution
	ResolveOrder     []ResolverType `mapstructure:"resolve_order"`     // Strategies in order (default: LMHOSTS,DNS,WINS,BCAST; WINS only when servers are set)
	WINSServers      []net.IP       `mapstructure:"wins_servers"`      // WINS servers, tried in order on timeout
	BroadcastAddress net.IP         `mapstructure:"broadcast_address"` // Broadcast address (default: 255.255.255.255)

	// Socket
	LocalAddress net.IP `mapstructure:"local_address"` // Local bind address (default: any)
	LocalPort    int    `mapstructure:"local_port"`    // Local bind port (default: ephemeral)
	Port         int    `mapstructure:"port"`          // Name service port (default: 137)

	// Timing
	RetryCount   int           `mapstructure:"retry_count"`   // Attempts per broadcast or explicit target query (default: 2)
	RetryTimeout time.Duration `mapstructure:"retry_timeout"` // Wait per attempt (default: 3s)
	SoTimeout    time.Duration `mapstructure:"so_timeout"`    // Idle time before the socket is closed (default: 5s)

	// Caching
	CachePolicy     time.Duration `mapstructure:"cache_policy"`      // Lifetime of cached answers; 0 disables, CacheForever never expires
	MaxCacheEntries int           `mapstructure:"max_cache_entries"` // Bound on expiring entries (default: 1000)

	// Identity
	Hostname string `mapstructure:"hostname"` // Local NetBIOS name (default: CIFS followed by random digits)
	Scope    string `mapstructure:"scope"`    // NetBIOS scope applied to queried names

	// Lmhosts
	LmhostsPath   string        `mapstructure:"lmhosts"` // Path of the lmhosts file (empty disables LMHOSTS)
	Fs            afero.Fs      `mapstructure:"-"`       // File system holding LmhostsPath (default: OS)
	IncludeReader IncludeReader `mapstructure:"-"`       // Fetches #INCLUDE targets

	// Observability
	Logger  Logger  `mapstructure:"-"` // Logger for debug and error messages (nil = no logging)
	Metrics Metrics `mapstructure:"-"` // Metrics sink (nil = none)
}

// DefaultConfig returns a configuration with a 30 second cache policy and
// every other option at its default.
func DefaultConfig() Config {
	cfg := Config{CachePolicy: 30 * time.Second}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for any unspecified configuration options.
// CachePolicy is left alone because zero is meaningful.
func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 137
	}
	if c.RetryCount == 0 {
		c.RetryCount = 2
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = 3 * time.Second
	}
	if c.SoTimeout == 0 {
		c.SoTimeout = 5 * time.Second
	}
	if c.MaxCacheEntries == 0 {
		c.MaxCacheEntries = DefaultMaxCacheEntries
	}
	if c.BroadcastAddress == nil {
		c.BroadcastAddress = net.IPv4bcast
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if len(c.ResolveOrder) == 0 {
		c.ResolveOrder = []ResolverType{ResolverLmhosts, ResolverDNS}
		if len(c.WINSServers) > 0 {
			c.ResolveOrder = append(c.ResolveOrder, ResolverWINS)
		}
		c.ResolveOrder = append(c.ResolveOrder, ResolverBcast)
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return fmt.Errorf("invalid local port: %d", c.LocalPort)
	}
	if c.RetryCount < 1 {
		return fmt.Errorf("retry count must be positive: %d", c.RetryCount)
	}
	if c.RetryTimeout <= 0 {
		return fmt.Errorf("retry timeout must be positive: %v", c.RetryTimeout)
	}
	if c.CachePolicy < 0 && c.CachePolicy != CacheForever {
		return fmt.Errorf("invalid cache policy: %v", c.CachePolicy)
	}
	if c.BroadcastAddress.To4() == nil {
		return fmt.Errorf("broadcast address must be IPv4: %v", c.BroadcastAddress)
	}
	if c.LocalAddress != nil && c.LocalAddress.To4() == nil {
		return fmt.Errorf("local address must be IPv4: %v", c.LocalAddress)
	}
	for _, ip := range c.WINSServers {
		if ip.To4() == nil {
			return fmt.Errorf("WINS server must be IPv4: %v", ip)
		}
	}
	for _, r := range c.ResolveOrder {
		if r < ResolverLmhosts || r > ResolverDNS {
			return fmt.Errorf("invalid resolver in resolve order: %v", r)
		}
	}
	if len(c.Hostname) > maxNameLength {
		return fmt.Errorf("hostname %q exceeds %d characters", c.Hostname, maxNameLength)
	}
	return nil
}
