// Package forwarder pulls one multicast stream out of udpxy over
// plain HTTP/1.0-over-TCP and re-emits its payload as raw UDP
// multicast on a (possibly different) interface.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"

	"github.com/malbeclabs/igmprelay/internal/ierrors"
	"github.com/malbeclabs/igmprelay/internal/mcast"
)

// bodyMarker is the end of udpxy's Content-Type header line followed
// by the blank line that ends its response headers; the octet-stream
// body begins right after it.
const bodyMarker = "application/octet-stream\r\n\r\n"

// Config describes one forwarding session: where to pull the stream
// from (udpxy) and where to re-emit it (stream interface/group).
type Config struct {
	Group      netip.Addr
	StreamPort uint16

	UdpxyAddr      netip.Addr
	UdpxyPort      uint16
	UdpxyInterface string

	StreamInterface string
	StreamIP        netip.Addr

	Logger *slog.Logger
}

// Session is one running forwarder. Cancel tears it down; Done reports
// when it has actually exited, whether by cancellation or because the
// upstream connection closed on its own.
type Session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the session and waits for its goroutine to exit.
func (s *Session) Cancel() {
	s.cancel()
	<-s.done
}

// Done reports when the session's forwarding loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start connects to udpxy, issues the HTTP/1.0 GET for cfg.Group, and
// launches a goroutine that copies the response body onto a multicast
// UDP socket bound to cfg.StreamInterface. It returns once the upstream
// connection is established and the request has been written.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	udpxyIfaceIP, err := net.InterfaceByName(cfg.UdpxyInterface)
	if err != nil {
		return nil, &ierrors.NetworkError{
			Operation: "resolve udpxy interface",
			Err:       err,
			Details:   fmt.Sprintf("interface %q", cfg.UdpxyInterface),
		}
	}
	localIP, err := firstIPv4(udpxyIfaceIP)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: localIP}}
	addr := net.JoinHostPort(cfg.UdpxyAddr.String(), strconv.Itoa(int(cfg.UdpxyPort)))
	tcpConn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, &ierrors.NetworkError{
			Operation: "connect to udpxy",
			Err:       err,
			Details:   fmt.Sprintf("%s via %s", addr, cfg.UdpxyInterface),
		}
	}

	streamIfi, err := net.InterfaceByName(cfg.StreamInterface)
	if err != nil {
		_ = tcpConn.Close()
		return nil, &ierrors.NetworkError{
			Operation: "resolve stream interface",
			Err:       err,
			Details:   fmt.Sprintf("interface %q", cfg.StreamInterface),
		}
	}

	sender, err := mcast.NewSender(streamIfi, cfg.StreamIP, cfg.Group, cfg.StreamPort)
	if err != nil {
		_ = tcpConn.Close()
		return nil, err
	}

	request := fmt.Sprintf("GET /udp/%s:%d HTTP/1.0\r\n\r\n", cfg.Group, cfg.StreamPort)
	if _, err := tcpConn.Write([]byte(request)); err != nil {
		_ = tcpConn.Close()
		_ = sender.Close()
		return nil, &ierrors.NetworkError{
			Operation: "send udpxy request",
			Err:       err,
			Details:   request,
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &Session{cancel: cancel, done: make(chan struct{})}

	go func() {
		<-sessCtx.Done()
		_ = tcpConn.Close()
	}()
	go runForwardLoop(log, tcpConn, sender, sess.done)

	return sess, nil
}

// runForwardLoop reads from conn until it closes, skipping udpxy's
// HTTP response headers and re-emitting everything after the body
// marker as UDP datagrams. A marker split across two reads is still
// found: up to len(bodyMarker)-1 trailing bytes of each header-phase
// read are carried over into the next search.
func runForwardLoop(log *slog.Logger, conn net.Conn, sender *mcast.Sender, done chan struct{}) {
	defer close(done)
	defer sender.Close()
	defer conn.Close()

	marker := []byte(bodyMarker)
	carry := make([]byte, 0, len(marker)-1)
	bodyStarted := false
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if bodyStarted {
				if sendErr := sender.Send(chunk); sendErr != nil {
					log.Warn("multicast send failed", "error", sendErr)
				}
			} else {
				combined := append(append([]byte{}, carry...), chunk...)
				if idx := bytes.Index(combined, marker); idx >= 0 {
					bodyStarted = true
					if payload := combined[idx+len(marker):]; len(payload) > 0 {
						if sendErr := sender.Send(payload); sendErr != nil {
							log.Warn("multicast send failed", "error", sendErr)
						}
					}
				} else {
					keep := len(marker) - 1
					if len(combined) > keep {
						combined = combined[len(combined)-keep:]
					}
					carry = append(carry[:0], combined...)
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			// Any other read error (including the conn being closed by
			// Cancel) ends this session without further retries.
			return
		}
	}
}

func firstIPv4(ifi *net.Interface) (net.IP, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, &ierrors.NetworkError{Operation: "list interface addresses", Err: err, Details: ifi.Name}
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, &ierrors.ValidationError{Field: "interface", Value: ifi.Name, Message: "no IPv4 address found on interface"}
}
