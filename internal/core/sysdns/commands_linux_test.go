//go:build linux

package sysdns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformCommands(t *testing.T) {
	commands, err := PlatformCommands("shadowtun0", "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"resolvectl", "dns", "shadowtun0", "10.0.0.1"},
		{"resolvectl", "domain", "shadowtun0", "~."},
		{"resolvectl", "default-route", "shadowtun0", "true"},
	}, commands.Set)
	assert.Equal(t, []string{"resolvectl", "revert", "shadowtun0"}, commands.Clear)
	assert.Equal(t, "shadowtun0", commands.Link)

	_, err = PlatformCommands("", "10.0.0.1")
	assert.Error(t, err)
}

func TestNetlinkLinkExists(t *testing.T) {
	ok, err := netlinkLinkExists("shadowtun-missing0")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = netlinkLinkExists("lo")
	require.NoError(t, err)
	assert.True(t, ok)
}
