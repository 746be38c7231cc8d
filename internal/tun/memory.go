package tun

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ooni/vpncore/internal/model"
)

// memoryQueueSize is how many packets each direction of a [MemoryDevice] buffers.
const memoryQueueSize = 256

// MemoryDevice is an in-memory [Device]. The tunnel side uses ReadPacket and
// WritePacket; the embedding application uses the [net.Conn] methods, where
// each Read returns one packet and each Write sends one packet.
type MemoryDevice struct {
	info       *model.TunnelInfo
	toTunnel   chan []byte
	fromTunnel chan []byte
	closeOnce  sync.Once
	hangup     chan any

	readDeadline  *deadline
	writeDeadline *deadline
}

var (
	_ Device   = &MemoryDevice{}
	_ net.Conn = &MemoryDevice{}
)

// NewMemoryDevice creates a new [MemoryDevice].
func NewMemoryDevice(info *model.TunnelInfo) *MemoryDevice {
	if info == nil {
		info = &model.TunnelInfo{}
	}
	return &MemoryDevice{
		info:          info,
		toTunnel:      make(chan []byte, memoryQueueSize),
		fromTunnel:    make(chan []byte, memoryQueueSize),
		closeOnce:     sync.Once{},
		hangup:        make(chan any),
		readDeadline:  newDeadline(),
		writeDeadline: newDeadline(),
	}
}

// ReadPacket returns the next packet written by the application.
func (d *MemoryDevice) ReadPacket() ([]byte, error) {
	select {
	case p := <-d.toTunnel:
		return p, nil
	case <-d.hangup:
		return nil, net.ErrClosed
	}
}

// WritePacket queues a packet for the application. It never blocks: when
// the application does not keep up, the packet is dropped.
func (d *MemoryDevice) WritePacket(packet []byte) error {
	select {
	case <-d.hangup:
		return net.ErrClosed
	default:
	}
	select {
	case d.fromTunnel <- append([]byte{}, packet...):
		return nil
	default:
		return ErrQueueFull
	}
}

// Close implements Device and net.Conn.
func (d *MemoryDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.hangup)
	})
	return nil
}

// Read reads one packet coming from the tunnel. A short buffer truncates it.
func (d *MemoryDevice) Read(data []byte) (int, error) {
	select {
	case p := <-d.fromTunnel:
		return copy(data, p), nil
	case <-d.readDeadline.wait():
		return 0, os.ErrDeadlineExceeded
	case <-d.hangup:
		return 0, net.ErrClosed
	}
}

// Write sends one packet into the tunnel.
func (d *MemoryDevice) Write(data []byte) (int, error) {
	select {
	case d.toTunnel <- append([]byte{}, data...):
		return len(data), nil
	case <-d.writeDeadline.wait():
		return 0, os.ErrDeadlineExceeded
	case <-d.hangup:
		return 0, net.ErrClosed
	}
}

// LocalAddr returns the address assigned by the remote.
func (d *MemoryDevice) LocalAddr() net.Addr {
	return &tunAddr{d.info.IP}
}

// RemoteAddr returns the gateway pushed by the remote.
func (d *MemoryDevice) RemoteAddr() net.Addr {
	return &tunAddr{d.info.GW}
}

// NetMask returns the netmask pushed by the remote.
func (d *MemoryDevice) NetMask() net.IPMask {
	return net.IPMask(net.ParseIP(d.info.NetMask).To4())
}

// MTU returns the tunnel MTU.
func (d *MemoryDevice) MTU() int {
	return mtuFromInfo(d.info)
}

func (d *MemoryDevice) SetDeadline(t time.Time) error {
	d.readDeadline.set(t)
	d.writeDeadline.set(t)
	return nil
}

func (d *MemoryDevice) SetReadDeadline(t time.Time) error {
	d.readDeadline.set(t)
	return nil
}

func (d *MemoryDevice) SetWriteDeadline(t time.Time) error {
	d.writeDeadline.set(t)
	return nil
}

// tunAddr is the type of address returned by [MemoryDevice].
type tunAddr struct {
	addr string
}

var _ net.Addr = &tunAddr{}

// Network implements net.Addr
func (t *tunAddr) Network() string {
	return "tun"
}

// String implements net.Addr
func (t *tunAddr) String() string {
	return t.addr
}

// deadline is a resettable deadline whose channel is closed on expiry.
type deadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel chan any
}

func newDeadline() *deadline {
	return &deadline{cancel: make(chan any)}
}

// set arms the deadline. The zero time disarms it.
func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel // wait for the timer callback to finish
	}
	d.timer = nil

	closed := isClosedChan(d.cancel)
	if t.IsZero() {
		if closed {
			d.cancel = make(chan any)
		}
		return
	}
	if dur := time.Until(t); dur > 0 {
		if closed {
			d.cancel = make(chan any)
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(dur, func() {
			close(cancel)
		})
		return
	}
	if !closed {
		close(d.cancel)
	}
}

func (d *deadline) wait() chan any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel
}

func isClosedChan(c <-chan any) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// MemoryOpener opens a [MemoryDevice] and lets the application wait for it.
type MemoryOpener struct {
	device *opened[*MemoryDevice]
}

var _ Opener = &MemoryOpener{}

// NewMemoryOpener creates a new [MemoryOpener].
func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{device: newOpened[*MemoryDevice]()}
}

// Open implements Opener.
func (o *MemoryOpener) Open(info *model.TunnelInfo) (Device, error) {
	d := NewMemoryDevice(info)
	o.device.set(d)
	return d, nil
}

// Wait blocks until a device has been opened and returns the last one.
func (o *MemoryOpener) Wait(ctx context.Context) (*MemoryDevice, error) {
	return o.device.wait(ctx)
}
