package eob

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mrzor/eventbuilder/internal/metrics"
)

// Sender transmits a complete link-layer frame.
type Sender interface {
	Send(frame []byte) error
}

// RawSender sends frames on one interface through an AF_PACKET socket.
type RawSender struct {
	fd int
}

// NewRawSender opens a raw packet socket bound to iface. It needs
// CAP_NET_RAW.
func NewRawSender(iface *net.Interface) (*RawSender, error) {
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("opening packet socket: %w", err)
	}
	addr := &unix.SockaddrLinklayer{Protocol: proto, Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding packet socket to %s: %w", iface.Name, err)
	}
	return &RawSender{fd: fd}, nil
}

// Send writes frame to the bound interface.
func (s *RawSender) Send(frame []byte) error {
	n, err := unix.Write(s.fd, frame)
	if err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("short frame write: %d of %d bytes", n, len(frame))
	}
	return nil
}

// Close releases the socket.
func (s *RawSender) Close() error {
	return unix.Close(s.fd)
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// Broadcaster builds and sends end-of-burst frames. Broadcast may be called
// from any worker.
type Broadcaster struct {
	mu     sync.Mutex
	cfg    FrameConfig
	sender Sender
	logger *slog.Logger
}

// NewBroadcaster validates cfg and returns a Broadcaster sending through s.
func NewBroadcaster(cfg FrameConfig, s Sender, logger *slog.Logger) (*Broadcaster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{cfg: cfg, sender: s, logger: logger}, nil
}

// Broadcast announces that finishedBurst ended with lastEvent.
func (b *Broadcaster) Broadcast(lastEvent, finishedBurst uint32) error {
	frame, err := BuildFrame(b.cfg, finishedBurst, lastEvent)
	if err != nil {
		return err
	}

	b.logger.Info("sending end-of-burst broadcast",
		"dst", fmt.Sprintf("%s:%d", b.cfg.DstIP, b.cfg.Port),
		"burst", finishedBurst,
		"last_event", lastEvent)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sender.Send(frame); err != nil {
		return fmt.Errorf("broadcasting end of burst %d: %w", finishedBurst, err)
	}
	metrics.BurstBoundaries.Inc()
	return nil
}

// InterfaceAddrs returns the hardware address and first IPv4 address of
// iface, used as the frame source.
func InterfaceAddrs(iface *net.Interface) (net.HardwareAddr, net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, fmt.Errorf("listing addresses of %s: %w", iface.Name, err)
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return iface.HardwareAddr, ip4, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("interface %s has no IPv4 address", iface.Name)
}
