package tlssession

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/ooni/vpncore/internal/model"
)

// Bio adapts the reliable control channel to the [net.Conn] that the TLS
// client expects. Incoming TLS records are pushed with [Bio.Feed]; records
// written by the TLS client come out of the down channel.
type Bio struct {
	closeOnce     sync.Once
	directionDown chan<- []byte
	hangup        chan any
	logger        model.Logger
	mu            sync.Mutex
	readable      chan any
	readBuffer    *bytes.Buffer
}

var _ net.Conn = &Bio{}

// NewBio creates a new [Bio] that writes outgoing records to down.
func NewBio(logger model.Logger, down chan<- []byte) *Bio {
	return &Bio{
		closeOnce:     sync.Once{},
		directionDown: down,
		hangup:        make(chan any),
		logger:        logger,
		readable:      make(chan any, 1),
		readBuffer:    &bytes.Buffer{},
	}
}

// Feed appends data to the read buffer. It never blocks.
func (t *Bio) Feed(data []byte) {
	t.mu.Lock()
	t.readBuffer.Write(data)
	t.mu.Unlock()
	select {
	case t.readable <- true:
	default:
	}
}

// Close implements net.Conn. It is idempotent.
func (t *Bio) Close() error {
	t.closeOnce.Do(func() {
		close(t.hangup)
	})
	return nil
}

// Read implements net.Conn.
func (t *Bio) Read(data []byte) (int, error) {
	for {
		t.mu.Lock()
		count, _ := t.readBuffer.Read(data)
		t.mu.Unlock()
		if count > 0 {
			t.logger.Debugf("[tlsbio] received %d bytes", count)
			return count, nil
		}
		select {
		case <-t.readable:
		case <-t.hangup:
			return 0, net.ErrClosed
		}
	}
}

// Write implements net.Conn. The TLS client may reuse data after we
// return, so we send a copy down.
func (t *Bio) Write(data []byte) (int, error) {
	t.logger.Debugf("[tlsbio] requested to write %d bytes", len(data))
	record := append([]byte{}, data...)
	select {
	case t.directionDown <- record:
		return len(data), nil
	case <-t.hangup:
		return 0, net.ErrClosed
	}
}

func (t *Bio) LocalAddr() net.Addr {
	return &tlsBioAddr{}
}

func (t *Bio) RemoteAddr() net.Addr {
	return &tlsBioAddr{}
}

func (t *Bio) SetDeadline(tt time.Time) error {
	return nil
}

func (t *Bio) SetReadDeadline(tt time.Time) error {
	return nil
}

func (t *Bio) SetWriteDeadline(tt time.Time) error {
	return nil
}

// tlsBioAddr is the type of address returned by [Bio]
type tlsBioAddr struct{}

var _ net.Addr = &tlsBioAddr{}

// Network implements net.Addr
func (*tlsBioAddr) Network() string {
	return "tlsBioAddr"
}

// String implements net.Addr
func (*tlsBioAddr) String() string {
	return "tlsBioAddr"
}
