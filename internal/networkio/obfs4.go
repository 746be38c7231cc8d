package networkio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	pt "git.torproject.org/pluggable-transports/goptlib.git"
	"gitlab.com/yawning/obfs4.git/transports/base"
	"gitlab.com/yawning/obfs4.git/transports/obfs4"

	"github.com/ooni/vpncore/internal/model"
)

// ErrBadProxyURI is returned when the obfs4 proxy URI is malformed.
var ErrBadProxyURI = errors.New("networkio: bad obfs4 proxy uri")

// ProxyNode is an obfs4 proxy that relays our stream to the endpoint.
type ProxyNode struct {
	// Addr is the host:port of the proxy.
	Addr string

	// Values contains the cert and iat-mode parameters.
	Values url.Values
}

// NewProxyNodeFromURI parses a obfs4://host:port?cert=...&iat-mode=N URI.
func NewProxyNodeFromURI(uri string) (*ProxyNode, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadProxyURI, err)
	}
	if u.Scheme != "obfs4" || u.Hostname() == "" || u.Port() == "" {
		return nil, fmt.Errorf("%w: expected obfs4://host:port", ErrBadProxyURI)
	}
	return &ProxyNode{
		Addr:   net.JoinHostPort(u.Hostname(), u.Port()),
		Values: u.Query(),
	}, nil
}

// obfs4Dialer dials every address through the obfs4 proxy node. The proxy
// decides where the stream goes, so the address is only logged.
type obfs4Dialer struct {
	node   *ProxyNode
	cf     base.ClientFactory
	cargs  any
	inner  model.Dialer
	logger model.Logger
}

// newOBFS4Dialer initializes an obfs4 client for node. Dialing the proxy
// itself goes through inner.
func newOBFS4Dialer(logger model.Logger, node *ProxyNode, inner model.Dialer) (*obfs4Dialer, error) {
	t := new(obfs4.Transport)
	stateDir := node.Values.Get("state-dir")
	if stateDir == "" {
		stateDir = "."
	}
	cf, err := t.ClientFactory(stateDir)
	if err != nil {
		return nil, fmt.Errorf("obfs4: client factory: %w", err)
	}
	ptArgs := pt.Args(node.Values)
	cargs, err := cf.ParseArgs(&ptArgs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadProxyURI, err)
	}
	return &obfs4Dialer{
		node:   node,
		cf:     cf,
		cargs:  cargs,
		inner:  inner,
		logger: logger,
	}, nil
}

// DialContext implements model.Dialer. The obfs4 handshake runs in a
// background goroutine so that ctx can interrupt it.
func (d *obfs4Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.logger.Debugf("obfs4: reaching %s via %s", address, d.node.Addr)
	connch, errch := make(chan net.Conn), make(chan error, 1)
	innerDial := func(network, address string) (net.Conn, error) {
		return d.inner.DialContext(ctx, network, address)
	}
	go func() {
		conn, err := d.cf.Dial("tcp", d.node.Addr, innerDial, d.cargs)
		if err != nil {
			errch <- err // buffered channel
			return
		}
		select {
		case connch <- conn:
		case <-ctx.Done():
			conn.Close() // context won the race
		}
	}()
	select {
	case err := <-errch:
		return nil, err
	case conn := <-connch:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
