package main

import (
	"context"
	"errors"
	stdlog "log"
	"net"
	"strings"

	"github.com/apex/log"
	socks5 "github.com/armon/go-socks5"

	"github.com/ooni/vpncore/pkg/tunnel"
)

// netstackResolver resolves names with the DNS servers of the tunnel.
type netstackResolver struct {
	device *tunnel.NetstackDevice
}

// Resolve implements socks5.NameResolver.
func (r *netstackResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	addrs, err := r.device.Net().LookupContextHost(ctx, name)
	if err != nil {
		return ctx, nil, err
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil {
			return ctx, ip, nil
		}
	}
	return ctx, nil, &net.DNSError{Err: "no address", Name: name}
}

// logWriter forwards the messages of the SOCKS server to our logger.
type logWriter struct {
	logger log.Interface
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debugf("socks: %s", strings.TrimSpace(string(p)))
	return len(p), nil
}

// serveSocks accepts SOCKS5 clients on listener and dials their
// destinations through the tunnel. It returns nil when the listener is
// closed.
func serveSocks(listener net.Listener, device *tunnel.NetstackDevice, logger log.Interface) error {
	server, err := socks5.New(&socks5.Config{
		Dial:     device.Net().DialContext,
		Resolver: &netstackResolver{device},
		Logger:   stdlog.New(&logWriter{logger}, "", 0),
	})
	if err != nil {
		return err
	}
	logger.Infof("socks5 proxy listening on %s", listener.Addr())
	if err := server.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
