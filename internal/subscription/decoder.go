// Package subscription fetches server lists published as subscription
// documents: newline separated share links, optionally base64 encoded.
package subscription

import (
	"encoding/base64"
	"fmt"
	"strings"

	"shadowtun/internal/config"
	pkgerrors "shadowtun/pkg/errors"
)

// Decoded is the result of decoding one subscription document.
type Decoded struct {
	Servers []*config.ServerLink
	// Skipped counts links of other protocols and malformed ss:// links.
	Skipped int
}

// Decode extracts the Shadowsocks servers from subscription content.
func Decode(content []byte) (*Decoded, error) {
	if len(strings.TrimSpace(string(content))) == 0 {
		return nil, pkgerrors.ErrSubscriptionEmpty
	}

	// Try to decode as base64
	decoded, err := decodeBase64(strings.TrimSpace(string(content)))
	if err != nil {
		// If base64 decode fails, assume it's already plain text
		decoded = string(content)
	}

	out := &Decoded{}
	for _, line := range strings.Split(decoded, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !isShadowsocks(line) {
			out.Skipped++
			continue
		}
		link, err := config.ParseServerURL(line)
		if err != nil {
			out.Skipped++
			continue
		}
		if link.Name == "" {
			link.Name = link.Address
		}
		out.Servers = append(out.Servers, link)
	}

	if len(out.Servers) == 0 {
		return nil, pkgerrors.ErrSubscriptionEmpty
	}
	return out, nil
}

// decodeBase64 attempts to decode base64 content
func decodeBase64(content string) (string, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if decoded, err := enc.DecodeString(content); err == nil {
			return string(decoded), nil
		}
	}
	return "", fmt.Errorf("failed to decode base64")
}

func isShadowsocks(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "ss://") || strings.HasPrefix(lower, "shadowsocks://")
}
