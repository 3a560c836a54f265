package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "shadowtun/pkg/errors"
)

const minimal = `
[server]
address = "203.0.113.1:8388"
method = "chacha20-ietf-poly1305"
password = "secret"
`

func TestParseMinimalUsesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "10.0.0.1", cfg.TunAddr().String())
	assert.Equal(t, "10.0.0.0/16", cfg.TunPrefix().String())
	assert.Equal(t, "10.0.0.0/16", cfg.FakeRange().String())
	assert.Equal(t, "0.0.0.0:53", cfg.DNS.Listen)
	assert.Equal(t, 1024, cfg.DNS.CacheSize)
	assert.Equal(t, uint32(1), cfg.DNS.TTL)
	assert.Equal(t, "proxy", cfg.DNS.DefaultAction)
	assert.Equal(t, time.Minute, cfg.Server.UDPTimeout.Std())
	assert.Equal(t, 10*time.Minute, cfg.Maintenance.PruneInterval.Std())
	assert.Equal(t, 24*time.Hour, cfg.Maintenance.MappingRetention.Std())
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
[log]
level = "debug"

[tun]
name = "utun7"
ip = "198.18.0.1"
cidr = "198.18.0.0/15"
mtu = 1400

[dns]
listen = "127.0.0.1:5353"
upstream = "1.1.1.1"
fake_range = "198.18.128.0/17"
ttl = 5
default_action = "direct"
rules = [
  { suffix = "example.com", action = "proxy" },
  { suffix = "corp.internal", action = "direct" },
]

[server]
address = "[2001:db8::1]:8388"
method = "aes-256-gcm"
password = "secret"
udp_timeout = "30s"

[system]
service = "Wi-Fi"
db_path = "/var/lib/shadowtun/shadowtun.db"

[maintenance]
prune_interval = "1h"
mapping_retention = "72h"
`))
	require.NoError(t, err)

	assert.Equal(t, "utun7", cfg.Tun.Name)
	assert.Equal(t, 1400, cfg.Tun.MTU)
	assert.Equal(t, "198.18.128.0/17", cfg.FakeRange().String())
	require.Len(t, cfg.DNS.Rules, 2)
	assert.Equal(t, Rule{Suffix: "example.com", Action: "proxy"}, cfg.DNS.Rules[0])
	assert.Equal(t, 30*time.Second, cfg.Server.UDPTimeout.Std())
	assert.Equal(t, "Wi-Fi", cfg.System.Service)
	assert.Equal(t, 72*time.Hour, cfg.Maintenance.MappingRetention.Std())
}

func TestParseServerURLFillsServer(t *testing.T) {
	userinfo := base64.RawURLEncoding.EncodeToString([]byte("aes-128-gcm:p@ss"))
	cfg, err := Parse([]byte(`
[server]
url = "ss://` + userinfo + `@203.0.113.9:443#home"
`))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9:443", cfg.Server.Address)
	assert.Equal(t, "aes-128-gcm", cfg.Server.Method)
	assert.Equal(t, "p@ss", cfg.Server.Password)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"missing server", ``, "server.address"},
		{"bad level", minimal + "[log]\nlevel = \"trace\"\n", "log.level"},
		{"bad rule action", minimal + "[dns]\nrules = [{ suffix = \"a.com\", action = \"block\" }]\n", "dns.rules[0].action"},
		{"bad upstream", minimal + "[dns]\nupstream = \"dns.google\"\n", "dns.upstream"},
		{"listen hostname", minimal + "[dns]\nlisten = \"localhost:53\"\n", "dns.listen"},
		{"ip outside cidr", minimal + "[tun]\nip = \"192.168.0.1\"\n", "tun.ip"},
		{"fake range outside cidr", minimal + "[dns]\nfake_range = \"172.16.0.0/16\"\n", "dns.fake_range"},
		{"fake range wider than cidr", minimal + "[dns]\nfake_range = \"10.0.0.0/8\"\n", "dns.fake_range"},
		{"zero timeout", minimal + "[maintenance]\nprune_interval = \"0s\"\n", "maintenance.prune_interval"},
		{"small mtu", minimal + "[tun]\nmtu = 100\n", "tun.mtu"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.ErrorIs(t, err, apperrors.ErrConfigInvalid)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			var fields []string
			for _, e := range verrs {
				fields = append(fields, e.FieldPath)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	_, err := Parse([]byte("[server\naddress = 1"))
	require.ErrorIs(t, err, apperrors.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "line 1")

	_, err = Parse([]byte(minimal + "[tun]\nunknown_key = 1\n"))
	require.ErrorIs(t, err, apperrors.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "unknown_key")

	_, err = Parse([]byte("[server]\naddress = \"203.0.113.1:8388\"\nmethod = \"aes-128-gcm\"\npassword = \"x\"\nudp_timeout = \"soon\"\n"))
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
}

func TestLoad(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, apperrors.ErrConfigNotFound)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.1:8388", cfg.Server.Address)
}

func TestValidationErrorsString(t *testing.T) {
	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	err := ValidationErrors{{FieldPath: "tun.ip", Message: "field is required"}}
	assert.Equal(t, "validation failed with 1 error(s):\n  1. tun.ip: field is required", err.Error())
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("ninety")))
}
