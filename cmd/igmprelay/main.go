// Command igmprelay watches a local interface for IGMPv3 membership
// reports and re-injects the requested multicast group from a udpxy
// HTTP-to-UDP gateway as native multicast on a LAN segment.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/igmprelay/internal/forwarder"
	"github.com/malbeclabs/igmprelay/internal/iface"
	"github.com/malbeclabs/igmprelay/internal/ierrors"
	"github.com/malbeclabs/igmprelay/internal/igmp"
	"github.com/malbeclabs/igmprelay/internal/session"
)

var (
	// Set by LDFLAGS.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	UdpxyInterface  string
	UdpxyAddress    string
	UdpxyPort       uint16
	StreamInterface string
	StreamPort      uint16
	Verbose         bool
	ShowVersion     bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("igmprelay version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	udpxyAddr, err := netip.ParseAddr(cfg.UdpxyAddress)
	if err != nil || !udpxyAddr.Is4() {
		return &ierrors.ConfigError{Flag: "udpxy-address", Value: cfg.UdpxyAddress, Message: "must be a dotted-quad IPv4 address"}
	}

	streamIP, err := iface.Resolve(cfg.StreamInterface)
	if err != nil {
		return fmt.Errorf("resolve stream interface: %w", err)
	}

	listener, err := igmp.NewListener(igmp.Config{
		StreamInterface: cfg.StreamInterface,
		Logger:          log.With("component", "igmp"),
	})
	if err != nil {
		return fmt.Errorf("start IGMP listener: %w", err)
	}
	defer listener.Close()

	start := func(ctx context.Context, group netip.Addr) (session.Session, error) {
		return forwarder.Start(ctx, forwarder.Config{
			Group:           group,
			StreamPort:      cfg.StreamPort,
			UdpxyAddr:       udpxyAddr,
			UdpxyPort:       cfg.UdpxyPort,
			UdpxyInterface:  cfg.UdpxyInterface,
			StreamInterface: cfg.StreamInterface,
			StreamIP:        streamIP,
			Logger:          log.With("component", "forwarder", "group", group),
		})
	}

	ctrl := session.New(log.With("component", "session"), start)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	log.Info("igmprelay started",
		"stream-interface", cfg.StreamInterface,
		"stream-ip", streamIP,
		"udpxy-interface", cfg.UdpxyInterface,
		"udpxy-address", fmt.Sprintf("%s:%d", udpxyAddr, cfg.UdpxyPort),
	)

	err = ctrl.Run(ctx, listener.Events())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("session controller exited: %w", err)
	}

	log.Info("igmprelay shutdown complete")
	return nil
}

func parseFlags() (*config, error) {
	cfg := &config{}

	var udpxyPort, streamPort int

	flag.StringVar(&cfg.UdpxyInterface, "udpxy-interface", "", "NIC to use for the outbound TCP connection to udpxy")
	flag.StringVar(&cfg.UdpxyAddress, "udpxy-address", "", "udpxy host (IPv4 dotted quad)")
	flag.IntVar(&udpxyPort, "udpxy-port", 4022, "udpxy TCP port")
	flag.StringVar(&cfg.StreamInterface, "stream-interface", "", "NIC on which to listen for IGMPv3 and emit multicast UDP")
	flag.IntVar(&streamPort, "stream-port", 0, "UDP port used for both the GET URL and the outbound datagrams")
	flag.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	if cfg.UdpxyInterface == "" {
		return nil, &ierrors.ConfigError{Flag: "udpxy-interface", Value: "", Message: "must not be empty"}
	}
	if cfg.UdpxyAddress == "" {
		return nil, &ierrors.ConfigError{Flag: "udpxy-address", Value: "", Message: "must not be empty"}
	}
	if cfg.StreamInterface == "" {
		return nil, &ierrors.ConfigError{Flag: "stream-interface", Value: "", Message: "must not be empty"}
	}
	if udpxyPort <= 0 || udpxyPort > 65535 {
		return nil, &ierrors.ConfigError{Flag: "udpxy-port", Value: fmt.Sprint(udpxyPort), Message: "must be between 1 and 65535"}
	}
	if streamPort <= 0 || streamPort > 65535 {
		return nil, &ierrors.ConfigError{Flag: "stream-port", Value: fmt.Sprint(streamPort), Message: "must be between 1 and 65535"}
	}

	cfg.UdpxyPort = uint16(udpxyPort)
	cfg.StreamPort = uint16(streamPort)
	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
