package vpntest

import (
	"context"
	"net"
	"time"
)

// Dialer is a mockable dialer.
type Dialer struct {
	MockDialContext func(ctx context.Context, network, address string) (net.Conn, error)
}

// DialContext calls MockDialContext.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.MockDialContext(ctx, network, address)
}

// Conn is a mockable net.Conn. Unset methods return zero values.
type Conn struct {
	MockRead             func(b []byte) (int, error)
	MockWrite            func(b []byte) (int, error)
	MockClose            func() error
	MockLocalAddr        func() net.Addr
	MockRemoteAddr       func() net.Addr
	MockSetDeadline      func(t time.Time) error
	MockSetReadDeadline  func(t time.Time) error
	MockSetWriteDeadline func(t time.Time) error
}

var _ net.Conn = &Conn{}

func (c *Conn) Read(b []byte) (int, error) {
	return c.MockRead(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	return c.MockWrite(b)
}

func (c *Conn) Close() error {
	if c.MockClose == nil {
		return nil
	}
	return c.MockClose()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.MockLocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	if c.MockRemoteAddr == nil {
		return c.MockLocalAddr()
	}
	return c.MockRemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	if c.MockSetDeadline == nil {
		return nil
	}
	return c.MockSetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	if c.MockSetReadDeadline == nil {
		return nil
	}
	return c.MockSetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	if c.MockSetWriteDeadline == nil {
		return nil
	}
	return c.MockSetWriteDeadline(t)
}

// Addr is a mockable net.Addr.
type Addr struct {
	MockString  func() string
	MockNetwork func() string
}

var _ net.Addr = &Addr{}

func (a *Addr) String() string {
	return a.MockString()
}

func (a *Addr) Network() string {
	return a.MockNetwork()
}
