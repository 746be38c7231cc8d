// Package client is the tunnel controller used by embedding applications.
// A [Client] runs at most one tunnel at a time: [Client.Connect] starts it
// and blocks until it is Established, the other methods steer it and
// observe it.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/protocol"
	"github.com/ooni/vpncore/pkg/config"
)

// The error taxonomy. Every terminal error wraps exactly one of these.
var (
	ErrUnreachable          = model.ErrUnreachable
	ErrNegotiationFailed    = model.ErrNegotiationFailed
	ErrAuthenticationFailed = model.ErrAuthenticationFailed
	ErrTransport            = model.ErrTransport
	ErrTimeout              = model.ErrTimeout
)

var (
	// ErrAlreadyConnected is returned by Connect while a tunnel is running.
	ErrAlreadyConnected = errors.New("client: already connected")

	// ErrNotConnected is returned when there is no tunnel to act on.
	ErrNotConnected = errors.New("client: not connected")
)

type (
	State      = model.State
	Status     = model.Status
	Stats      = model.Stats
	Event      = model.Event
	EventKind  = model.EventKind
	TunnelInfo = model.TunnelInfo
)

const (
	StateIdle          = model.StateIdle
	StateConnecting    = model.StateConnecting
	StateHandshaking   = model.StateHandshaking
	StateEstablished   = model.StateEstablished
	StateReconnecting  = model.StateReconnecting
	StatePaused        = model.StatePaused
	StateDisconnecting = model.StateDisconnecting
	StateTerminated    = model.StateTerminated

	EventStateChange = model.EventStateChange
	EventByteCount   = model.EventByteCount
	EventError       = model.EventError
)

// subscriberQueueSize is the buffer of a subscription. Events that do not
// fit are dropped for that subscriber.
const subscriberQueueSize = 64

// Client controls a tunnel. The zero value is invalid; use [New].
type Client struct {
	options []config.Option

	mu          sync.Mutex
	machine     *protocol.Machine
	subscribers map[chan Event]struct{}
}

// New creates a [Client]. The options apply to every tunnel; the profile
// is given to [Client.Connect].
func New(options ...config.Option) *Client {
	return &Client{
		options:     options,
		subscribers: map[chan Event]struct{}{},
	}
}

// Connect starts a tunnel with profile and blocks until it is Established.
// When ctx is done first, the tunnel is torn down and Connect returns an
// error wrapping [ErrTimeout] for a deadline or ctx.Err otherwise. When the
// tunnel terminates first, Connect returns the terminal error.
func (c *Client) Connect(ctx context.Context, profile *config.Profile) error {
	c.mu.Lock()
	if c.running() {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	options := append(append([]config.Option{}, c.options...), config.WithProfile(profile))
	m, err := protocol.New(config.NewConfig(options...), c.publish)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.machine = m
	c.mu.Unlock()

	m.Start()
	select {
	case <-m.Established():
		return nil
	case <-m.Done():
		if err := m.Err(); err != nil {
			return err
		}
		return ErrNotConnected
	case <-ctx.Done():
		m.Disconnect()
		<-m.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: connect: %w", ErrTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

// running must be called with mu held.
func (c *Client) running() bool {
	if c.machine == nil {
		return false
	}
	select {
	case <-c.machine.Done():
		return false
	default:
		return true
	}
}

func (c *Client) current() (*protocol.Machine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running() {
		return nil, ErrNotConnected
	}
	return c.machine, nil
}

// Pause releases the transport and wipes the keys, keeping the tunnel
// device open.
func (c *Client) Pause() error {
	m, err := c.current()
	if err != nil {
		return err
	}
	return mapError(m.Pause())
}

// Resume reconnects a paused tunnel.
func (c *Client) Resume() error {
	m, err := c.current()
	if err != nil {
		return err
	}
	return mapError(m.Resume())
}

// Reconnect replaces the current session with a new one, reopening the
// transport. The tunnel device stays open.
func (c *Client) Reconnect() error {
	m, err := c.current()
	if err != nil {
		return err
	}
	return mapError(m.Reconnect())
}

func mapError(err error) error {
	if errors.Is(err, protocol.ErrNotActive) || errors.Is(err, protocol.ErrTerminated) {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return err
}

// Disconnect tears the tunnel down and waits for Terminated.
func (c *Client) Disconnect() error {
	m, err := c.current()
	if err != nil {
		return err
	}
	m.Disconnect()
	<-m.Done()
	return nil
}

// Wait blocks until the tunnel is Terminated and returns the terminal
// error, which is nil after [Client.Disconnect].
func (c *Client) Wait(ctx context.Context) error {
	c.mu.Lock()
	m := c.machine
	c.mu.Unlock()
	if m == nil {
		return ErrNotConnected
	}
	select {
	case <-m.Done():
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the status of the last tunnel.
func (c *Client) Status() Status {
	c.mu.Lock()
	m := c.machine
	c.mu.Unlock()
	if m == nil {
		return Status{State: StateIdle}
	}
	return m.Status()
}

// Stats returns the counters of the last tunnel.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	m := c.machine
	c.mu.Unlock()
	if m == nil {
		return Stats{}
	}
	return m.Stats()
}

// Subscribe returns a channel receiving the events of every tunnel of this
// client, and a function to stop the subscription. A slow subscriber
// loses events rather than slowing the tunnel down.
func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberQueueSize)
	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, ch)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Client) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
