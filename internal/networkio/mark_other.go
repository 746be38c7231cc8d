//go:build !linux

package networkio

import "errors"

func setMark(fd uintptr, mark int) error {
	return errors.New("networkio: mark is only supported on linux")
}
