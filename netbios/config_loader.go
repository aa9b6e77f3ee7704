package netbios

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// LoadConfig loads a Config from an optional file and the environment.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (NETBIOS_*, e.g. NETBIOS_WINS_SERVERS=10.0.0.1,10.0.0.2)
//  2. Configuration file (yaml, toml or json by extension)
//  3. Default values
//
// An empty path or a missing file loads from the environment and defaults only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures viper with environment variables, defaults and the
// config file. Every key has a default so AutomaticEnv applies to Unmarshal.
func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix("NETBIOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("resolve_order", "")
	v.SetDefault("wins_servers", "")
	v.SetDefault("broadcast_address", "255.255.255.255")
	v.SetDefault("local_address", "")
	v.SetDefault("local_port", 0)
	v.SetDefault("port", 137)
	v.SetDefault("retry_count", 2)
	v.SetDefault("retry_timeout", "3s")
	v.SetDefault("so_timeout", "5s")
	v.SetDefault("cache_policy", "30s")
	v.SetDefault("max_cache_entries", DefaultMaxCacheEntries)
	v.SetDefault("hostname", "")
	v.SetDefault("scope", "")
	v.SetDefault("lmhosts", "")

	if path != "" {
		v.SetConfigFile(path)
	}
}

// readConfigFile reads the configuration file if one was set and exists.
func readConfigFile(v *viper.Viper) (bool, error) {
	if v.ConfigFileUsed() == "" {
		return false, nil
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
// The IP and resolver hooks run before the slice split so a single value
// is never mistaken for a list.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		ipDecodeHook(),
		resolverDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// ipDecodeHook converts strings to net.IP. An empty string decodes to nil.
func ipDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(net.IP{}) {
			return data, nil
		}
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return net.IP(nil), nil
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", s)
		}
		return ip, nil
	}
}

// resolverDecodeHook converts resolver names, and comma separated lists of
// them, to ResolverType values.
func resolverDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		switch to {
		case reflect.TypeOf(ResolverType(0)):
			return ParseResolverType(s)
		case reflect.TypeOf([]ResolverType(nil)):
			return ParseResolveOrder(s)
		}
		return data, nil
	}
}

// durationDecodeHook converts strings like "30s" to time.Duration. The
// string "forever" maps to CacheForever.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if strings.EqualFold(strings.TrimSpace(v), "forever") {
				return CacheForever, nil
			}
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
