//go:build linux

package networkio

import "golang.org/x/sys/unix"

// setMark sets SO_MARK on the socket.
func setMark(fd uintptr, mark int) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
}
