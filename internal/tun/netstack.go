package tun

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/ooni/vpncore/internal/model"
	wgtun "golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

// NetstackDevice is a userspace TCP/IP stack attached to the tunnel. Use
// [NetstackDevice.Net] to dial through it.
type NetstackDevice struct {
	dev wgtun.Device
	net *netstack.Net
	mtu int
}

var _ Device = &NetstackDevice{}

// Net returns the userspace network.
func (d *NetstackDevice) Net() *netstack.Net {
	return d.net
}

// ReadPacket implements Device.
func (d *NetstackDevice) ReadPacket() ([]byte, error) {
	bufs := [][]byte{make([]byte, d.mtu+64)}
	sizes := []int{0}
	for {
		n, err := d.dev.Read(bufs, sizes, 0)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return bufs[0][:sizes[0]], nil
		}
	}
}

// WritePacket implements Device.
func (d *NetstackDevice) WritePacket(packet []byte) error {
	_, err := d.dev.Write([][]byte{packet}, 0)
	return err
}

// Close implements Device.
func (d *NetstackDevice) Close() error {
	return d.dev.Close()
}

// NetstackOpener creates a [NetstackDevice] with the pushed address.
type NetstackOpener struct {
	// DNS are the name servers used by the userspace stack.
	DNS []netip.Addr

	device *opened[*NetstackDevice]
}

var _ Opener = &NetstackOpener{}

// NewNetstackOpener creates a new [NetstackOpener].
func NewNetstackOpener(dns ...netip.Addr) *NetstackOpener {
	return &NetstackOpener{DNS: dns, device: newOpened[*NetstackDevice]()}
}

// Open implements Opener.
func (o *NetstackOpener) Open(info *model.TunnelInfo) (Device, error) {
	local, err := netip.ParseAddr(info.IP)
	if err != nil {
		return nil, fmt.Errorf("tun: bad local address %q: %w", info.IP, err)
	}
	mtu := mtuFromInfo(info)
	dev, tnet, err := netstack.CreateNetTUN([]netip.Addr{local}, o.DNS, mtu)
	if err != nil {
		return nil, fmt.Errorf("tun: cannot create netstack: %w", err)
	}
	d := &NetstackDevice{dev: dev, net: tnet, mtu: mtu}
	o.device.set(d)
	return d, nil
}

// Wait blocks until the device has been opened.
func (o *NetstackOpener) Wait(ctx context.Context) (*NetstackDevice, error) {
	return o.device.wait(ctx)
}
