// Package mcast provides the outbound multicast UDP socket the
// forwarder re-injects stream payloads on.
package mcast

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"

	"github.com/malbeclabs/igmprelay/internal/ierrors"
)

// Sender is a UDP socket bound to one interface, configured to send
// datagrams to a fixed multicast destination with loopback disabled.
type Sender struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	dest *net.UDPAddr
}

// NewSender opens a UDP socket bound to localIP, pins its outgoing
// multicast interface to ifi, disables multicast loopback, and fixes
// its destination to group:port.
func NewSender(ifi *net.Interface, localIP netip.Addr, group netip.Addr, port uint16) (*Sender, error) {
	laddr := &net.UDPAddr{IP: net.IP(localIP.AsSlice())}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, &ierrors.NetworkError{
			Operation: "create UDP socket",
			Err:       err,
			Details:   fmt.Sprintf("bind to %s", localIP),
		}
	}

	pc := ipv4.NewPacketConn(conn)

	if err := pc.SetMulticastLoopback(false); err != nil {
		_ = conn.Close()
		return nil, &ierrors.NetworkError{
			Operation: "disable multicast loopback",
			Err:       err,
			Details:   "setsockopt IP_MULTICAST_LOOP",
		}
	}

	if err := pc.SetMulticastInterface(ifi); err != nil {
		_ = conn.Close()
		return nil, &ierrors.NetworkError{
			Operation: "set multicast interface",
			Err:       err,
			Details:   fmt.Sprintf("interface %s", ifi.Name),
		}
	}

	dest := &net.UDPAddr{IP: net.IP(group.AsSlice()), Port: int(port)}

	return &Sender{conn: conn, pc: pc, dest: dest}, nil
}

// Send writes payload to the configured multicast destination.
func (s *Sender) Send(payload []byte) error {
	_, err := s.conn.WriteToUDP(payload, s.dest)
	if err != nil {
		return &ierrors.NetworkError{
			Operation: "send multicast datagram",
			Err:       err,
			Details:   fmt.Sprintf("%d bytes to %s", len(payload), s.dest),
		}
	}
	return nil
}

// Close releases the underlying socket.
func (s *Sender) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return &ierrors.NetworkError{Operation: "close socket", Err: err, Details: "UDP sender"}
	}
	return nil
}
