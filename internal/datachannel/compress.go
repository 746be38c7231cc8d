package datachannel

import (
	"fmt"

	"github.com/ooni/vpncore/pkg/config"
)

const (
	// noCompressByte marks an uncompressed payload (comp-lzo no).
	noCompressByte = 0xfa

	// noCompressSwapByte marks an uncompressed payload whose first byte
	// was moved to the end (compress stub).
	noCompressSwapByte = 0xfb
)

// frameCompression adds the compression framing to a copy of payload.
func frameCompression(compress config.Compression, payload []byte) []byte {
	switch compress {
	case config.CompressionStub, config.CompressionEmpty:
		if len(payload) == 0 {
			return []byte{}
		}
		out := make([]byte, 0, len(payload)+1)
		out = append(out, noCompressSwapByte)
		out = append(out, payload[1:]...)
		return append(out, payload[0])
	case config.CompressionLZONo:
		out := make([]byte, 0, len(payload)+1)
		out = append(out, noCompressByte)
		return append(out, payload...)
	default:
		return append([]byte{}, payload...)
	}
}

// unframeCompression is the inverse of frameCompression.
func unframeCompression(compress config.Compression, framed []byte) ([]byte, error) {
	switch compress {
	case config.CompressionStub, config.CompressionEmpty:
		if len(framed) == 0 {
			return framed, nil
		}
		switch framed[0] {
		case noCompressSwapByte:
			out := make([]byte, 0, len(framed)-1)
			if len(framed) > 1 {
				out = append(out, framed[len(framed)-1])
				out = append(out, framed[1:len(framed)-1]...)
			}
			return out, nil
		case noCompressByte:
			return framed[1:], nil
		}
	case config.CompressionLZONo:
		if len(framed) == 0 {
			return framed, nil
		}
		if framed[0] == noCompressByte {
			return framed[1:], nil
		}
	default:
		return framed, nil
	}
	return nil, fmt.Errorf("%w: unexpected byte 0x%x", ErrBadCompression, framed[0])
}
