package vpntest

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ooni/vpncore/internal/runtimex"
)

// NewIPv4UDPPacket serializes an IPv4 UDP packet from src:4000 to dst:7
// with valid checksums. It panics on failure.
func NewIPv4UDPPacket(src, dst string, payload []byte) []byte {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: 4000, DstPort: 7}
	runtimex.PanicOnError(udp.SetNetworkLayerForChecksum(ip), "cannot set the network layer")
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload))
	runtimex.PanicOnError(err, "cannot serialize the packet")
	return buf.Bytes()
}
