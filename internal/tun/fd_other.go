//go:build !unix

package tun

func setNonblock(fd int) error {
	return nil
}
