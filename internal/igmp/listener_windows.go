//go:build windows

package igmp

import (
	"github.com/malbeclabs/igmprelay/internal/ierrors"
)

// Listener is a stub on Windows: raw IGMP sockets require capabilities
// this package doesn't implement there (no SOCK_RAW/IPPROTO_IGMP
// support in golang.org/x/sys/windows equivalent to the unix path).
type Listener struct {
	events chan Event
}

func NewListener(cfg Config) (*Listener, error) {
	return nil, &ierrors.NetworkError{
		Operation: "open raw IGMP socket",
		Err:       errUnsupportedPlatform,
		Details:   "raw IGMPv3 listening is not implemented on windows",
	}
}

func (l *Listener) Events() <-chan Event { return l.events }

func (l *Listener) Close() error { return nil }

var errUnsupportedPlatform = unsupportedPlatformError{}

type unsupportedPlatformError struct{}

func (unsupportedPlatformError) Error() string { return "unsupported platform" }
