//go:build unix

package igmp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/malbeclabs/igmprelay/internal/iface"
	"github.com/malbeclabs/igmprelay/internal/ierrors"
)

const igmpProtocolNumber = 2 // IPPROTO_IGMP

// Listener receives IGMPv3 membership reports on a raw socket bound to
// one interface and emits debounced join/leave events.
type Listener struct {
	log     *slog.Logger
	fd      int
	boundIP netip.Addr

	events chan Event
	done   chan struct{}

	pendingJoin  uint8
	pendingLeave uint8
}

// NewListener opens a raw IGMP socket on cfg.StreamInterface, binds it
// to that interface, and joins the all-IGMPv3-routers group
// (224.0.0.22) using the interface's own IPv4 address. The returned
// Listener starts a background goroutine immediately; callers read
// from Events() and must call Close() when done.
func NewListener(cfg Config) (*Listener, error) {
	if cfg.StreamInterface == "" {
		return nil, &ierrors.ConfigError{Flag: "stream-interface", Value: "", Message: "must not be empty"}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, igmpProtocolNumber)
	if err != nil {
		return nil, &ierrors.NetworkError{
			Operation: "open raw IGMP socket",
			Err:       err,
			Details:   "socket(AF_INET, SOCK_RAW, IPPROTO_IGMP)",
		}
	}

	if err := bindToDevice(fd, cfg.StreamInterface); err != nil {
		log.Debug("interface binding not applied", "interface", cfg.StreamInterface, "error", err)
	}

	boundIP, err := iface.Resolve(cfg.StreamInterface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("resolve stream interface: %w", err)
	}

	if err := joinAllRoutersGroup(fd, boundIP); err != nil {
		unix.Close(fd)
		return nil, err
	}

	l := &Listener{
		log:     log,
		fd:      fd,
		boundIP: boundIP,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Events returns the channel of debounced join/leave events. It is
// closed once the listener's socket is closed and its read loop exits.
func (l *Listener) Events() <-chan Event { return l.events }

// Close releases the raw socket and blocks until the read loop exits.
func (l *Listener) Close() error {
	err := unix.Close(l.fd)
	<-l.done
	return err
}

func (l *Listener) run() {
	defer close(l.done)
	defer close(l.events)

	buf := make([]byte, 2048)
	for {
		n, from, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EBADF) || errors.Is(err, unix.EINVAL) {
				return
			}
			l.log.Warn("recv on IGMP socket failed", "error", err)
			continue
		}

		if src, ok := sockaddrToIP(from); ok && src == l.boundIP {
			// Our own joins/leaves loop back on some kernels; ignore them.
			continue
		}

		records, err := parseMembershipReport(buf[:n])
		if err != nil {
			continue
		}

		for _, ev := range processRecords(records, &l.pendingJoin, &l.pendingLeave) {
			select {
			case l.events <- ev:
			default:
				l.log.Warn("dropping IGMP event, consumer not keeping up", "type", ev.Type, "group", ev.Group)
			}
		}
	}
}

// bindToDevice pins the raw socket to a single interface. SO_BINDTODEVICE
// is Linux-only; on other unix platforms this is a best-effort no-op and
// callers should treat a non-nil error as informational, not fatal.
func bindToDevice(fd int, name string) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("SO_BINDTODEVICE unsupported on %s", runtime.GOOS)
	}
	return unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, name)
}

func joinAllRoutersGroup(fd int, ifaceIP netip.Addr) error {
	group := netip.MustParseAddr(allIGMPv3RoutersGroup)

	mreq := &unix.IPMreq{}
	ga := group.As4()
	ia := ifaceIP.As4()
	copy(mreq.Multiaddr[:], ga[:])
	copy(mreq.Interface[:], ia[:])

	if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		return &ierrors.NetworkError{
			Operation: "join multicast group",
			Err:       err,
			Details:   fmt.Sprintf("IP_ADD_MEMBERSHIP %s via %s", allIGMPv3RoutersGroup, ifaceIP),
		}
	}
	return nil
}

func sockaddrToIP(sa unix.Sockaddr) (netip.Addr, bool) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4(sa4.Addr), true
}
