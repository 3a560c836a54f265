package config

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerURL(t *testing.T) {
	sip002 := "ss://" + base64.RawURLEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:secret")) + "@203.0.113.1:8388#My%20Server"
	legacy := "ss://" + base64.StdEncoding.EncodeToString([]byte("aes-256-gcm:p@ss:word@[2001:db8::1]:443"))

	tests := []struct {
		name string
		uri  string
		want ServerLink
	}{
		{"sip002", sip002, ServerLink{Name: "My Server", Address: "203.0.113.1:8388", Method: "chacha20-ietf-poly1305", Password: "secret"}},
		{"legacy", legacy, ServerLink{Name: "[2001:db8::1]:443", Address: "[2001:db8::1]:443", Method: "aes-256-gcm", Password: "p@ss:word"}},
		{"plain userinfo", "ss://aes-128-gcm:pw@ss.example.net:8388/?plugin=obfs", ServerLink{Name: "ss.example.net:8388", Address: "ss.example.net:8388", Method: "aes-128-gcm", Password: "pw"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServerURL(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParseServerURLInvalid(t *testing.T) {
	for _, uri := range []string{
		"vmess://abc",
		"ss://%%%@host:1",
		"ss://" + base64.RawURLEncoding.EncodeToString([]byte("nocolon")) + "@203.0.113.1:8388",
		"ss://" + base64.RawURLEncoding.EncodeToString([]byte("m:p")) + "@203.0.113.1",
		"ss://" + base64.RawURLEncoding.EncodeToString([]byte("m:p")) + "@203.0.113.1:0",
		"ss://" + base64.RawURLEncoding.EncodeToString([]byte("m:p-without-host")),
	} {
		_, err := ParseServerURL(uri)
		assert.Error(t, err, uri)
	}
}

func TestServerLinkEncodeRoundTrip(t *testing.T) {
	link := &ServerLink{Name: "home", Address: "203.0.113.1:8388", Method: "aes-256-gcm", Password: "secret"}
	got, err := ParseServerURL(link.Encode())
	require.NoError(t, err)
	assert.Equal(t, link, got)
}
