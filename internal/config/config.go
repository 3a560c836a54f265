// Package config loads and validates the shadowtun configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pelletier/go-toml/v2"
	apperrors "shadowtun/pkg/errors"
)

// Config is the complete configuration. A Config returned by Load or Parse
// has been validated.
type Config struct {
	Log         LogConfig         `toml:"log"`
	Tun         TunConfig         `toml:"tun"`
	DNS         DNSConfig         `toml:"dns"`
	Server      ServerConfig      `toml:"server"`
	System      SystemConfig      `toml:"system"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

type LogConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
	Dev   bool   `toml:"dev"`
}

// TunConfig configures the tunnel interface.
type TunConfig struct {
	Name string `toml:"name" validate:"max=15"`
	IP   string `toml:"ip" validate:"required,ipv4"`
	CIDR string `toml:"cidr" validate:"required,cidrv4"`
	MTU  int    `toml:"mtu" validate:"min=576,max=65535"`
}

// DNSConfig configures the local DNS authority and its upstream.
type DNSConfig struct {
	Listen        string `toml:"listen" validate:"required,hostport"`
	Upstream      string `toml:"upstream" validate:"required,upstream"`
	FakeRange     string `toml:"fake_range" validate:"required,cidrv4"`
	CacheSize     int    `toml:"cache_size" validate:"min=0"`
	TTL           uint32 `toml:"ttl" validate:"min=1"`
	DefaultAction string `toml:"default_action" validate:"oneof=proxy direct"`
	Rules         []Rule `toml:"rules" validate:"dive"`
}

// Rule routes a domain suffix.
type Rule struct {
	Suffix string `toml:"suffix" validate:"required"`
	Action string `toml:"action" validate:"oneof=proxy direct"`
}

// ServerConfig configures the Shadowsocks server. URL, when set, is an
// ss:// link that fills Address, Method and Password.
type ServerConfig struct {
	URL        string   `toml:"url"`
	Address    string   `toml:"address" validate:"required,hostport"`
	Method     string   `toml:"method" validate:"required"`
	Password   string   `toml:"password" validate:"required"`
	UDPTimeout Duration `toml:"udp_timeout"`
}

// SystemConfig configures host integration.
type SystemConfig struct {
	// Service is the macOS network service or the linux link whose DNS is
	// overridden. Empty picks the first active service on macOS and the
	// tunnel interface on linux.
	Service  string `toml:"service"`
	StateDir string `toml:"state_dir"`
	DBPath   string `toml:"db_path"`
}

type MaintenanceConfig struct {
	PruneInterval    Duration `toml:"prune_interval"`
	MappingRetention Duration `toml:"mapping_retention"`
}

// Default returns the configuration used for every field the file leaves out.
func Default() *Config {
	name := "shadowtun0"
	if runtime.GOOS == "darwin" {
		name = "utun"
	}
	return &Config{
		Log: LogConfig{Level: "info"},
		Tun: TunConfig{
			Name: name,
			IP:   "10.0.0.1",
			CIDR: "10.0.0.0/16",
			MTU:  1500,
		},
		DNS: DNSConfig{
			Listen:        "0.0.0.0:53",
			Upstream:      "8.8.8.8:53",
			FakeRange:     "10.0.0.0/16",
			CacheSize:     1024,
			TTL:           1,
			DefaultAction: "proxy",
		},
		Server: ServerConfig{
			UDPTimeout: Duration(60 * time.Second),
		},
		Maintenance: MaintenanceConfig{
			PruneInterval:    Duration(10 * time.Minute),
			MappingRetention: Duration(24 * time.Hour),
		},
	}
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("%w: line %d, column %d: %v", apperrors.ErrConfigInvalid, row, col, derr)
		}
		var serr *toml.StrictMissingError
		if errors.As(err, &serr) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, serr.String())
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}

	if cfg.Server.URL != "" {
		link, err := ParseServerURL(cfg.Server.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: server.url: %v", apperrors.ErrConfigInvalid, err)
		}
		cfg.Server.Address = link.Address
		cfg.Server.Method = link.Method
		cfg.Server.Password = link.Password
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfigInvalid, err)
	}
	return cfg, nil
}

// TunAddr returns the interface address.
func (c *Config) TunAddr() netip.Addr {
	return netip.MustParseAddr(c.Tun.IP)
}

// TunPrefix returns the network routed into the interface.
func (c *Config) TunPrefix() netip.Prefix {
	return netip.MustParsePrefix(c.Tun.CIDR).Masked()
}

// FakeRange returns the synthetic address range.
func (c *Config) FakeRange() netip.Prefix {
	return netip.MustParsePrefix(c.DNS.FakeRange).Masked()
}
