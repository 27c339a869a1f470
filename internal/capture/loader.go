// Package capture attaches to the kernel side of fragment capture.
//
// The capture program is an XDP program loaded and pinned in bpffs by the
// deployment tooling. It parses MEP datagrams on the readout interface and
// pushes each fragment, prefixed with a delivery header, into a pinned ring
// buffer map. This package opens that map and can optionally attach the
// pinned program to an interface.
package capture

import (
	"errors"
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
)

// Loader holds the pinned capture objects and the XDP attachment.
type Loader struct {
	ring    *ebpf.Map
	prog    *ebpf.Program
	xdpLink link.Link
}

// Open loads the ring buffer map pinned at ringPin.
func Open(ringPin string) (*Loader, error) {
	ring, err := ebpf.LoadPinnedMap(ringPin, nil)
	if err != nil {
		return nil, fmt.Errorf("loading pinned ring buffer %s: %w", ringPin, err)
	}
	if ring.Type() != ebpf.RingBuf {
		_ = ring.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("pinned map %s is a %s, want %s", ringPin, ring.Type(), ebpf.RingBuf)
	}
	return &Loader{ring: ring}, nil
}

// AttachXDP attaches the program pinned at progPin to the named interface.
func (l *Loader) AttachXDP(progPin, ifaceName string) error {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return fmt.Errorf("looking up interface %s: %w", ifaceName, err)
	}

	l.prog, err = ebpf.LoadPinnedProgram(progPin, nil)
	if err != nil {
		return fmt.Errorf("loading pinned program %s: %w", progPin, err)
	}

	l.xdpLink, err = link.AttachXDP(link.XDPOptions{
		Program:   l.prog,
		Interface: iface.Index,
	})
	if err != nil {
		_ = l.prog.Close() //nolint:errcheck // Best-effort cleanup in error path
		l.prog = nil
		return fmt.Errorf("attaching XDP program to %s: %w", ifaceName, err)
	}
	return nil
}

// OpenRingBuffer opens a reader on the capture ring buffer.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.ring)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// Close detaches the program and releases all objects. Pins are left in
// place for the next run.
func (l *Loader) Close() error {
	var errs []error

	if l.xdpLink != nil {
		if err := l.xdpLink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
	}
	if l.prog != nil {
		if err := l.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing program: %w", err))
		}
	}
	if err := l.ring.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing ring buffer map: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}
	return nil
}
