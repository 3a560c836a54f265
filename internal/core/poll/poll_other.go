//go:build !linux && !darwin

package poll

import (
	"time"

	apperrors "shadowtun/pkg/errors"
)

// Poller is unavailable on this platform.
type Poller struct{}

func New() (*Poller, error) { return nil, apperrors.ErrUnsupportedPlatform }

func (p *Poller) Register(fd int, token Token, interest Interest) error {
	return apperrors.ErrUnsupportedPlatform
}

func (p *Poller) Reregister(fd int, token Token, interest Interest) error {
	return apperrors.ErrUnsupportedPlatform
}

func (p *Poller) Deregister(fd int) error { return apperrors.ErrUnsupportedPlatform }

func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	return 0, apperrors.ErrUnsupportedPlatform
}

func (p *Poller) Wake() error  { return apperrors.ErrUnsupportedPlatform }
func (p *Poller) Close() error { return nil }
