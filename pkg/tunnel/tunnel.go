// Package tunnel exposes the tunnel devices on the public API.
package tunnel

import (
	"context"
	"net/netip"

	"github.com/ooni/vpncore/internal/tun"
	"github.com/ooni/vpncore/pkg/client"
	"github.com/ooni/vpncore/pkg/config"
)

// We're creating type aliases to expose the internal devices on the public API.
type (
	Device         = tun.Device
	Opener         = tun.Opener
	OpenerFunc     = tun.OpenerFunc
	MemoryDevice   = tun.MemoryDevice
	MemoryOpener   = tun.MemoryOpener
	NetstackDevice = tun.NetstackDevice
	NetstackOpener = tun.NetstackOpener
	WaterOpener    = tun.WaterOpener
	FileOpener     = tun.FileOpener
)

var (
	// NewMemoryOpener returns an opener of in-memory devices.
	NewMemoryOpener = tun.NewMemoryOpener

	// NewNetstackOpener returns an opener of userspace TCP/IP stacks.
	NewNetstackOpener = tun.NewNetstackOpener
)

// Start connects a client whose tunnel ends in a userspace TCP/IP stack
// and returns the stack, ready for dialing through the tunnel. The stack
// resolves names with dns. Disconnect the client to stop the tunnel.
func Start(ctx context.Context, profile *config.Profile, dns []netip.Addr, options ...config.Option) (*client.Client, *NetstackDevice, error) {
	opener := tun.NewNetstackOpener(dns...)
	c := client.New(append(options, config.WithTunOpener(opener))...)
	if err := c.Connect(ctx, profile); err != nil {
		return nil, nil, err
	}
	device, err := opener.Wait(ctx)
	if err != nil {
		c.Disconnect()
		return nil, nil, err
	}
	return c, device, nil
}
