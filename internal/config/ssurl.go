package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ServerLink is a decoded ss:// share link.
type ServerLink struct {
	Name     string
	Address  string // host:port
	Method   string
	Password string
}

// ParseServerURL decodes an ss:// link in either form:
// ss://base64(method:password)@host:port#remark (SIP002) or
// ss://base64(method:password@host:port)#remark (legacy).
func ParseServerURL(uri string) (*ServerLink, error) {
	if !strings.HasPrefix(uri, "ss://") && !strings.HasPrefix(uri, "shadowsocks://") {
		return nil, fmt.Errorf("invalid Shadowsocks URI")
	}

	uri = strings.TrimPrefix(uri, "ss://")
	uri = strings.TrimPrefix(uri, "shadowsocks://")

	// Split fragment (remark)
	parts := strings.SplitN(uri, "#", 2)
	remark := ""
	if len(parts) == 2 {
		remark, _ = url.QueryUnescape(parts[1])
		uri = parts[0]
	}
	// Plugin options are not supported; drop the query.
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = strings.TrimSuffix(uri[:i], "/")
	}

	var userinfo, hostport string
	if at := strings.LastIndexByte(uri, '@'); at >= 0 {
		decoded, err := decodeBase64(uri[:at])
		if err != nil {
			// SIP002 allows plain, percent-encoded userinfo.
			plain, uerr := url.PathUnescape(uri[:at])
			if uerr != nil || !strings.Contains(plain, ":") {
				return nil, fmt.Errorf("failed to decode userinfo: %w", err)
			}
			decoded = plain
		}
		userinfo, hostport = decoded, uri[at+1:]
	} else {
		decoded, err := decodeBase64(uri)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64: %w", err)
		}
		at := strings.LastIndexByte(decoded, '@')
		if at < 0 {
			return nil, fmt.Errorf("unsupported Shadowsocks URI format")
		}
		userinfo, hostport = decoded[:at], decoded[at+1:]
	}

	// Parse method:password
	credentials := strings.SplitN(userinfo, ":", 2)
	if len(credentials) != 2 || credentials[0] == "" {
		return nil, fmt.Errorf("invalid credentials format")
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("invalid address:port format: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("invalid port: %q", portStr)
	}

	link := &ServerLink{
		Name:     remark,
		Address:  net.JoinHostPort(host, portStr),
		Method:   credentials[0],
		Password: credentials[1],
	}
	if link.Name == "" {
		link.Name = link.Address
	}
	return link, nil
}

// Encode returns the SIP002 form of the link.
func (l *ServerLink) Encode() string {
	userinfo := fmt.Sprintf("%s:%s", l.Method, l.Password)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(userinfo))
	return fmt.Sprintf("ss://%s@%s#%s", encoded, l.Address, url.QueryEscape(l.Name))
}

func decodeBase64(s string) (string, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.StdEncoding,
	} {
		if decoded, err := enc.DecodeString(s); err == nil {
			return string(decoded), nil
		}
	}
	return "", errors.New("not valid base64")
}
