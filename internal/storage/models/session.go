package models

import "time"

// ActiveSession represents the currently running tunnel
type ActiveSession struct {
	ID         int64     `json:"id"` // Always 1 (singleton)
	PID        int       `json:"pid"`
	DeviceName string    `json:"device_name"`
	Server     string    `json:"server"`
	DNSListen  string    `json:"dns_listen"`
	StartedAt  time.Time `json:"started_at"`
}
