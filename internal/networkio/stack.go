package networkio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/proxy"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/pkg/config"
)

// ErrProtectFailed is returned when the protect callback refuses a socket.
var ErrProtectFailed = errors.New("networkio: cannot protect socket")

// ErrUnsupportedNetwork is returned when a proxy cannot carry the endpoint protocol.
var ErrUnsupportedNetwork = errors.New("networkio: unsupported network")

// NewTransportDialer composes the dialer that reaches the endpoints of
// profile. From the innermost layer: base, the socket options (mark and
// protect), the SOCKS5 proxy, the obfs4 proxy.
func NewTransportDialer(
	logger model.Logger,
	base model.Dialer,
	profile *config.Profile,
	protect func(fd uintptr) bool,
) (model.Dialer, error) {
	dialer := base
	if profile.Mark != 0 || protect != nil {
		nd, ok := base.(*net.Dialer)
		if !ok {
			return nil, fmt.Errorf("%w: socket options need a *net.Dialer", config.ErrBadConfig)
		}
		dialer = withSocketControl(nd, profile.Mark, protect)
	}
	if profile.SocksProxy != "" {
		logger.Infof("networkio: using socks proxy %s", profile.SocksProxy)
		sd, err := newSocksDialer(profile.SocksProxy, dialer)
		if err != nil {
			return nil, err
		}
		dialer = sd
	}
	if profile.ProxyOBFS4 != "" {
		node, err := NewProxyNodeFromURI(profile.ProxyOBFS4)
		if err != nil {
			return nil, err
		}
		logger.Infof("networkio: using obfs4 proxy %s", node.Addr)
		od, err := newOBFS4Dialer(logger, node, dialer)
		if err != nil {
			return nil, err
		}
		dialer = od
	}
	return dialer, nil
}

// withSocketControl returns a copy of nd that marks and protects every
// socket before connecting it.
func withSocketControl(nd *net.Dialer, mark int, protect func(fd uintptr) bool) *net.Dialer {
	out := *nd
	out.Control = func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if mark != 0 {
				if opErr = setMark(fd, mark); opErr != nil {
					return
				}
			}
			if protect != nil && !protect(fd) {
				opErr = ErrProtectFailed
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
	return &out
}

// socksDialer dials TCP endpoints through a SOCKS5 proxy.
type socksDialer struct {
	dialer proxy.ContextDialer
}

func newSocksDialer(address string, forward model.Dialer) (*socksDialer, error) {
	d, err := proxy.SOCKS5("tcp", address, nil, &forwardDialer{forward})
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("%w: socks dialer without context support", config.ErrBadConfig)
	}
	return &socksDialer{cd}, nil
}

// DialContext implements model.Dialer.
func (d *socksDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return d.dialer.DialContext(ctx, network, address)
	default:
		return nil, fmt.Errorf("%w: socks-proxy needs tcp, got %s", ErrUnsupportedNetwork, network)
	}
}

// forwardDialer adapts a model.Dialer to proxy.Dialer and proxy.ContextDialer.
type forwardDialer struct {
	model.Dialer
}

var _ proxy.ContextDialer = &forwardDialer{}

// Dial implements proxy.Dialer.
func (d *forwardDialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}
