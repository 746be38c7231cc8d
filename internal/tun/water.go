package tun

import (
	"fmt"

	"github.com/Doridian/water"
	"github.com/ooni/vpncore/internal/model"
)

// WaterDevice is an OS TUN interface.
type WaterDevice struct {
	iface *water.Interface
	mtu   int
}

var _ Device = &WaterDevice{}

// Name returns the OS name of the interface.
func (d *WaterDevice) Name() string {
	return d.iface.Name()
}

// ReadPacket implements Device.
func (d *WaterDevice) ReadPacket() ([]byte, error) {
	buf := make([]byte, d.mtu+64)
	n, err := d.iface.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// WritePacket implements Device.
func (d *WaterDevice) WritePacket(packet []byte) error {
	_, err := d.iface.Write(packet)
	return err
}

// Close implements Device.
func (d *WaterDevice) Close() error {
	return d.iface.Close()
}

// WaterOpener creates an OS TUN interface. Creating it usually requires
// elevated privileges.
type WaterOpener struct {
	// Configure is called after the interface exists, to assign the
	// address and the routes. It is optional.
	Configure func(name string, info *model.TunnelInfo) error
}

var _ Opener = &WaterOpener{}

// Open implements Opener.
func (o *WaterOpener) Open(info *model.TunnelInfo) (Device, error) {
	iface, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, fmt.Errorf("tun: cannot create interface: %w", err)
	}
	mtu := mtuFromInfo(info)
	iface.SetMTU(mtu)
	d := &WaterDevice{iface: iface, mtu: mtu}
	if o.Configure != nil {
		if err := o.Configure(iface.Name(), info); err != nil {
			iface.Close()
			return nil, err
		}
	}
	return d, nil
}
