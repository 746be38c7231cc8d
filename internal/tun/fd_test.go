//go:build linux

package tun

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

// newPipe returns a blocking pipe, like the descriptors of a mobile VPN
// service.
func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatal(err)
	}
	return fds[0], fds[1]
}

func TestFileDevice(t *testing.T) {
	t.Run("a pipe works as a packet device", func(t *testing.T) {
		r, w := newPipe(t)
		reader, err := NewFileDevice(r, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer reader.Close()
		writer, err := NewFileDevice(w, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer writer.Close()
		if err := writer.WritePacket([]byte{0x45, 0x00}); err != nil {
			t.Fatal(err)
		}
		got, err := reader.ReadPacket()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]byte{0x45, 0x00}, got); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("Close interrupts a pending read and releases the descriptor", func(t *testing.T) {
		r, w := newPipe(t)
		defer unix.Close(w)
		dev, err := NewFileDevice(r, 0)
		if err != nil {
			t.Fatal(err)
		}
		readErr := make(chan error, 1)
		go func() {
			_, err := dev.ReadPacket()
			readErr <- err
		}()
		time.Sleep(50 * time.Millisecond)
		if err := dev.Close(); err != nil {
			t.Fatal(err)
		}
		select {
		case err := <-readErr:
			if err == nil {
				t.Fatal("expected an error after Close")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("ReadPacket still blocked after Close")
		}
		if _, err := unix.FcntlInt(uintptr(r), unix.F_GETFD, 0); !errors.Is(err, unix.EBADF) {
			t.Fatalf("expected the descriptor to be closed, got %v", err)
		}
	})

	t.Run("an invalid descriptor is rejected", func(t *testing.T) {
		if _, err := NewFileDevice(-1, 0); err == nil {
			t.Fatal("expected an error")
		}
	})
}
