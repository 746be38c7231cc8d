// Package mobile is the binding surface for mobile applications. It only
// uses types that gomobile can export: strings, integers, booleans and
// interfaces implemented on the platform side.
package mobile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/tun"
	"github.com/ooni/vpncore/pkg/client"
	"github.com/ooni/vpncore/pkg/config"
)

// Platform is implemented by the embedding application.
type Platform interface {
	// Protect excludes the socket fd from the tunnel routes. It returns
	// false when the socket cannot be protected.
	Protect(fd int) bool

	// OpenTun configures the tunnel interface with the given address and
	// returns its file descriptor. We own the descriptor from now on.
	OpenTun(ip string, netmask string, mtu int) (int, error)
}

// Listener receives the tunnel notifications. Calls happen on a goroutine
// owned by the [Tunnel], one at a time.
type Listener interface {
	OnStateChange(state string, message string)
	OnByteCount(bytesIn int64, bytesOut int64)
	OnError(message string)
}

// Stats is a snapshot of the tunnel counters.
type Stats struct {
	BytesIn        int64
	BytesOut       int64
	PacketsIn      int64
	PacketsOut     int64
	AuthFailures   int64
	ReplayDrops    int64
	Reconnections  int64
	Renegotiations int64
}

func newStats(s model.Stats) *Stats {
	return &Stats{
		BytesIn:        s.BytesIn,
		BytesOut:       s.BytesOut,
		PacketsIn:      s.PacketsIn,
		PacketsOut:     s.PacketsOut,
		AuthFailures:   s.AuthFailures,
		ReplayDrops:    s.ReplayDrops,
		Reconnections:  s.Reconnections,
		Renegotiations: s.Renegotiations,
	}
}

// Tunnel is a handle to a tunnel client.
type Tunnel struct {
	client   *client.Client
	listener Listener

	mu      sync.Mutex
	profile *config.Profile
}

// NewTunnel parses profileText, which must carry its material inline, and
// returns a disconnected tunnel. The listener may be nil.
func NewTunnel(profileText string, platform Platform, listener Listener) (*Tunnel, error) {
	if platform == nil {
		return nil, errors.New("mobile: nil platform")
	}
	profile, err := config.DecodeProfile(strings.NewReader(profileText), "")
	if err != nil {
		return nil, err
	}
	opener := &tun.FileOpener{
		OpenFD: func(info *model.TunnelInfo) (int, error) {
			return platform.OpenTun(info.IP, info.NetMask, info.MTU)
		},
	}
	c := client.New(
		config.WithTunOpener(opener),
		config.WithProtect(func(fd uintptr) bool {
			return platform.Protect(int(fd))
		}),
	)
	return &Tunnel{client: c, listener: listener, profile: profile}, nil
}

// SetCredentials sets the username and password used by the next
// connection.
func (t *Tunnel) SetCredentials(username string, password string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.profile.Username, t.profile.Password = username, password
}

// Connect starts the tunnel and blocks until it is established, it fails
// or timeoutSeconds elapse. A non positive timeout means no timeout.
func (t *Tunnel) Connect(timeoutSeconds int) error {
	ctx := context.Background()
	if timeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()
	}
	t.mu.Lock()
	profile := *t.profile
	t.mu.Unlock()

	events, unsubscribe := t.client.Subscribe()
	if err := t.client.Connect(ctx, &profile); err != nil {
		// the tunnel already terminated, so the queue holds all its events
		for len(events) > 0 {
			t.deliver(<-events)
		}
		unsubscribe()
		return err
	}
	go t.forward(events, unsubscribe)
	return nil
}

// forward delivers events to the listener until the tunnel terminates.
func (t *Tunnel) forward(events <-chan client.Event, unsubscribe func()) {
	defer unsubscribe()
	for ev := range events {
		t.deliver(ev)
		if ev.Kind == client.EventStateChange && ev.State == client.StateTerminated {
			return
		}
	}
}

func (t *Tunnel) deliver(ev client.Event) {
	if t.listener == nil {
		return
	}
	switch ev.Kind {
	case client.EventStateChange:
		t.listener.OnStateChange(ev.State.String(), errorMessage(ev.Err))
	case client.EventByteCount:
		t.listener.OnByteCount(ev.Stats.BytesIn, ev.Stats.BytesOut)
	case client.EventError:
		t.listener.OnError(errorMessage(ev.Err))
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Pause releases the network connection and keeps the interface open.
func (t *Tunnel) Pause() error {
	return t.client.Pause()
}

// Resume reconnects a paused tunnel.
func (t *Tunnel) Resume() error {
	return t.client.Resume()
}

// Reconnect starts a new session, for instance after the device switched
// networks.
func (t *Tunnel) Reconnect() error {
	return t.client.Reconnect()
}

// Disconnect stops the tunnel and closes the interface.
func (t *Tunnel) Disconnect() error {
	return t.client.Disconnect()
}

// Status returns the name of the current state.
func (t *Tunnel) Status() string {
	return t.client.Status().State.String()
}

// LastError returns the error of the last transition, or an empty string.
func (t *Tunnel) LastError() string {
	return errorMessage(t.client.Status().Err)
}

// TunnelIP returns the address assigned by the server, or an empty string
// before the tunnel is established.
func (t *Tunnel) TunnelIP() string {
	info := t.client.Status().TunnelInfo
	if info == nil {
		return ""
	}
	return info.IP
}

// Stats returns the tunnel counters.
func (t *Tunnel) Stats() *Stats {
	return newStats(t.client.Stats())
}
