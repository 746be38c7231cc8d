package tun

import (
	"fmt"
	"os"

	"github.com/ooni/vpncore/internal/model"
)

// FileDevice is a TUN file descriptor handed to us by the platform (for
// example by a mobile VPN service).
type FileDevice struct {
	file *os.File
	mtu  int
}

var _ Device = &FileDevice{}

// NewFileDevice wraps fd. The device owns it from now on. The descriptor
// is switched to nonblocking mode, so that Close interrupts a pending
// ReadPacket and releases it.
func NewFileDevice(fd int, mtu int) (*FileDevice, error) {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	if err := setNonblock(fd); err != nil {
		return nil, fmt.Errorf("tun: cannot set descriptor %d nonblocking: %w", fd, err)
	}
	return &FileDevice{file: os.NewFile(uintptr(fd), "tun"), mtu: mtu}, nil
}

// ReadPacket implements Device.
func (d *FileDevice) ReadPacket() ([]byte, error) {
	buf := make([]byte, d.mtu+64)
	n, err := d.file.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// WritePacket implements Device.
func (d *FileDevice) WritePacket(packet []byte) error {
	_, err := d.file.Write(packet)
	return err
}

// Close implements Device.
func (d *FileDevice) Close() error {
	return d.file.Close()
}

// FileOpener asks the platform for a TUN file descriptor.
type FileOpener struct {
	// OpenFD configures the platform interface and returns its descriptor.
	OpenFD func(info *model.TunnelInfo) (int, error)
}

var _ Opener = &FileOpener{}

// Open implements Opener.
func (o *FileOpener) Open(info *model.TunnelInfo) (Device, error) {
	fd, err := o.OpenFD(info)
	if err != nil {
		return nil, err
	}
	if fd < 0 {
		return nil, fmt.Errorf("tun: platform returned invalid descriptor %d", fd)
	}
	dev, err := NewFileDevice(fd, mtuFromInfo(info))
	if err != nil {
		return nil, err
	}
	return dev, nil
}
