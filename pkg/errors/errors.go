package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Common error types
var (
	// Device errors
	ErrInterfaceOpen       = errors.New("failed to open tunnel interface")
	ErrInterfaceQuery      = errors.New("failed to query tunnel interface")
	ErrDeviceClosed        = errors.New("tunnel device is closed")
	ErrDeviceFault         = errors.New("tunnel device read fault")
	ErrPollerClosed        = errors.New("poller is closed")
	ErrUnsupportedPlatform = errors.New("tunnel device not supported on this platform")
	ErrNotRoot             = errors.New(
		"tunnel mode requires elevated privileges.\n" +
			"  run as root: sudo shadowtun run -c <config>",
	)

	// DNS errors
	ErrNoMapping     = errors.New("no domain mapping for address")
	ErrDNSOverride   = errors.New("system dns override failed")
	ErrPoolExhausted = errors.New("fake address pool exhausted")

	// Config errors
	ErrConfigNotFound = errors.New("config not found")
	ErrConfigInvalid  = errors.New("invalid config")

	// Relay errors
	ErrUnsupportedCipher = errors.New("cipher not supported")
	ErrRelayFailed       = errors.New("relay failed")
	ErrFlowSourceClosed  = errors.New("flow source closed")

	// Subscription errors
	ErrSubscriptionEmpty = errors.New("subscription has no shadowsocks servers")
)

// DeviceError represents a tunnel-device-related error
type DeviceError struct {
	Op   string
	Name string
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("tun %s %s: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("tun %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// CommandError represents an OS configuration command that exited unsuccessfully
type CommandError struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with %d: %v\nstdout: %s\nstderr: %s",
		strings.Join(e.Command, " "), e.ExitCode, e.Err,
		strings.TrimSpace(e.Stdout), strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// FlowError represents a failure confined to a single flow
type FlowError struct {
	Flow string
	Err  error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("flow %s: %v", e.Flow, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// SubscriptionError represents a subscription fetch error
type SubscriptionError struct {
	URL string
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.URL, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
