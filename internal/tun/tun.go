// Package tun contains the tunnel interface adapters. A [Device] moves
// whole IP packets between the tunnel and the host: the state machine
// writes decrypted packets with [Device.WritePacket] and reads packets to
// encrypt with [Device.ReadPacket].
package tun

import (
	"context"
	"errors"
	"sync"

	"github.com/ooni/vpncore/internal/model"
)

// Device is a tunnel interface. Packet boundaries are preserved and packets
// are never reordered. ReadPacket blocks until a packet is available or the
// device is closed, in which case it returns [net.ErrClosed].
type Device interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

// Opener opens a [Device] once the remote has assigned our address.
type Opener interface {
	Open(info *model.TunnelInfo) (Device, error)
}

// OpenerFunc adapts a function to the [Opener] interface.
type OpenerFunc func(info *model.TunnelInfo) (Device, error)

// Open implements Opener.
func (f OpenerFunc) Open(info *model.TunnelInfo) (Device, error) {
	return f(info)
}

// ErrQueueFull is returned when an in-memory device cannot take more packets.
var ErrQueueFull = errors.New("tun: queue full")

// defaultMTU is used when the remote did not push one.
const defaultMTU = 1500

func mtuFromInfo(info *model.TunnelInfo) int {
	if info == nil || info.MTU <= 0 {
		return defaultMTU
	}
	return info.MTU
}

// opened publishes the last device opened by an opener.
type opened[T any] struct {
	mu    sync.Mutex
	value T
	ready chan any
	isSet bool
}

func newOpened[T any]() *opened[T] {
	return &opened[T]{ready: make(chan any)}
}

func (o *opened[T]) set(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = v
	if !o.isSet {
		o.isSet = true
		close(o.ready)
	}
}

func (o *opened[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-o.ready:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
