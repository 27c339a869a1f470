// Package eob builds and sends the end-of-burst broadcast.
//
// The frame is a broadcast Ethernet/IPv4/UDP datagram whose payload is
//
//	u32 finished burst id   (little-endian)
//	u32 last event number   (little-endian)
//
// IPv4 and UDP checksums are computed by gopacket during serialization.
package eob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// PayloadSize is the size of the end-of-burst payload.
const PayloadSize = 8

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// FrameConfig addresses the broadcast frame.
type FrameConfig struct {
	SrcMAC net.HardwareAddr
	SrcIP  net.IP
	DstIP  net.IP
	Port   uint16
}

// Validate checks that the addresses are usable for an IPv4 frame.
func (c FrameConfig) Validate() error {
	if len(c.SrcMAC) != 6 {
		return fmt.Errorf("source MAC %q is not an Ethernet address", c.SrcMAC)
	}
	if c.SrcIP.To4() == nil {
		return fmt.Errorf("source IP %q is not IPv4", c.SrcIP)
	}
	if c.DstIP.To4() == nil {
		return fmt.Errorf("destination IP %q is not IPv4", c.DstIP)
	}
	if c.Port == 0 {
		return errors.New("destination port must be set")
	}
	return nil
}

// Payload is the decoded end-of-burst payload.
type Payload struct {
	FinishedBurst uint32
	LastEvent     uint32
}

// MarshalBinary returns the wire form of p.
func (p Payload) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, PayloadSize)
	b = binary.LittleEndian.AppendUint32(b, p.FinishedBurst)
	return binary.LittleEndian.AppendUint32(b, p.LastEvent), nil
}

// ParsePayload decodes the UDP payload of an end-of-burst frame.
func ParsePayload(b []byte) (Payload, error) {
	if len(b) < PayloadSize {
		return Payload{}, fmt.Errorf("end-of-burst payload too short: %d bytes", len(b))
	}
	return Payload{
		FinishedBurst: binary.LittleEndian.Uint32(b[0:4]),
		LastEvent:     binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// BuildFrame serializes the broadcast frame for a finished burst.
func BuildFrame(cfg FrameConfig, finishedBurst, lastEvent uint32) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	payload, _ := Payload{FinishedBurst: finishedBurst, LastEvent: lastEvent}.MarshalBinary()

	eth := &layers.Ethernet{
		SrcMAC:       cfg.SrcMAC,
		DstMAC:       broadcastMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    cfg.SrcIP.To4(),
		DstIP:    cfg.DstIP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(cfg.Port),
		DstPort: layers.UDPPort(cfg.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("setting checksum layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serializing end-of-burst frame: %w", err)
	}
	return buf.Bytes(), nil
}
