package tun

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrInvalidPacket means that a payload is not a well-formed IP packet.
var ErrInvalidPacket = errors.New("tun: invalid IP packet")

// ValidatePacket checks that b contains a complete IPv4 or IPv6 packet
// before we inject it into a device.
func ValidatePacket(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPacket)
	}
	switch b[0] >> 4 {
	case 4:
		var ip layers.IPv4
		if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidPacket, err)
		}
		if int(ip.Length) > len(b) {
			return fmt.Errorf("%w: truncated ipv4 packet", ErrInvalidPacket)
		}
	case 6:
		var ip layers.IPv6
		if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidPacket, err)
		}
	default:
		return fmt.Errorf("%w: bad version %d", ErrInvalidPacket, b[0]>>4)
	}
	return nil
}
