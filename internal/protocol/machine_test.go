package protocol

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/tun"
	"github.com/ooni/vpncore/internal/vpntest"
	"github.com/ooni/vpncore/internal/vpntest/vpnserver"
	"github.com/ooni/vpncore/pkg/config"
)

const testTimeout = 15 * time.Second

// recorder collects the events of a machine.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) notify(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states() []model.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []model.State
	for _, ev := range r.events {
		if ev.Kind == model.EventStateChange {
			states = append(states, ev.State)
		}
	}
	return states
}

func (r *recorder) count(state model.State) int {
	n := 0
	for _, s := range r.states() {
		if s == state {
			n++
		}
	}
	return n
}

func (r *recorder) kinds(kind model.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// trackingDialer counts the connections that are still open.
type trackingDialer struct {
	net.Dialer
	open  atomic.Int64
	mu    sync.Mutex
	dials []string
}

type trackedConn struct {
	net.Conn
	once   sync.Once
	dialer *trackingDialer
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { c.dialer.open.Add(-1) })
	return c.Conn.Close()
}

func (d *trackingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, address)
	d.mu.Unlock()
	conn, err := d.Dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	d.open.Add(1)
	return &trackedConn{Conn: conn, dialer: d}, nil
}

func (d *trackingDialer) addresses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.dials...)
}

type harness struct {
	machine  *Machine
	events   *recorder
	dialer   *trackingDialer
	opener   *tun.MemoryOpener
	profile  *config.Profile
}

func newTestProfile(pki *vpntest.PKI, remotes ...config.Endpoint) *config.Profile {
	p := config.NewProfile()
	p.Remotes = remotes
	p.CA, p.Cert, p.Key = pki.CA, pki.ClientCert, pki.ClientKey
	p.ConnectRetry = 10 * time.Millisecond
	p.ConnectRetryMaxDelay = 50 * time.Millisecond
	p.ConnectTimeout = 2 * time.Second
	p.HandWindow = 5 * time.Second
	p.RenegSec = 0
	return p
}

func newHarness(t *testing.T, profile *config.Profile) *harness {
	t.Helper()
	h := &harness{
		events:  &recorder{},
		dialer:  &trackingDialer{},
		opener:  tun.NewMemoryOpener(),
		profile: profile,
	}
	cfg := config.NewConfig(
		config.WithLogger(model.NewTestLogger()),
		config.WithProfile(profile),
		config.WithDialer(h.dialer),
		config.WithTunOpener(h.opener),
		config.WithByteCountInterval(100*time.Millisecond),
	)
	m, err := New(cfg, h.events.notify)
	if err != nil {
		t.Fatal(err)
	}
	h.machine = m
	t.Cleanup(func() {
		m.Disconnect()
		<-m.Done()
	})
	return h
}

func startServer(t *testing.T, cfg *vpnserver.Config) *vpnserver.Server {
	t.Helper()
	s, err := vpnserver.Start(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// connect starts a machine against s and waits for Established.
func connect(t *testing.T, pki *vpntest.PKI, s *vpnserver.Server, edit func(p *config.Profile)) *harness {
	t.Helper()
	profile := newTestProfile(pki, s.Endpoint())
	if edit != nil {
		edit(profile)
	}
	h := newHarness(t, profile)
	h.machine.Start()
	h.waitEstablished(t)
	return h
}

func (h *harness) waitEstablished(t *testing.T) {
	t.Helper()
	select {
	case <-h.machine.Established():
	case <-h.machine.Done():
		t.Fatalf("terminated before Established: %v", h.machine.Err())
	case <-time.After(testTimeout):
		t.Fatalf("not established, states: %v", h.events.states())
	}
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.machine.Done():
	case <-time.After(testTimeout):
		t.Fatalf("not terminated, states: %v", h.events.states())
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitServer(t *testing.T, s *vpnserver.Server, cond func(st vpnserver.Stats) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := s.WaitFor(ctx, cond); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) device(t *testing.T) *tun.MemoryDevice {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	d, err := h.opener.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func readPacket(t *testing.T, d *tun.MemoryDevice) []byte {
	t.Helper()
	d.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, 1<<16)
	n, err := d.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	return buf[:n]
}

// echo writes a packet to the device and expects the server to send it
// back.
func (h *harness) echo(t *testing.T, payload string) {
	t.Helper()
	d := h.device(t)
	pkt := vpntest.NewIPv4UDPPacket("10.8.0.2", "10.8.0.1", []byte(payload))
	if _, err := d.Write(pkt); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(pkt, readPacket(t, d)); diff != "" {
		t.Fatal(diff)
	}
}

func TestMachineEstablishAndEcho(t *testing.T) {
	pki := vpntest.NewPKI()
	tests := []struct {
		name   string
		server vpnserver.Config
	}{
		{"udp", vpnserver.Config{Proto: config.ProtoUDP}},
		{"tcp", vpnserver.Config{Proto: config.ProtoTCP}},
		{"data v1", vpnserver.Config{PeerID: -1}},
		{"cbc", vpnserver.Config{Cipher: "AES-128-CBC", Auth: "SHA256"}},
		{"pushed peer-id", vpnserver.Config{PeerID: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.server
			cfg.PKI = pki
			s := startServer(t, &cfg)
			h := connect(t, pki, s, func(p *config.Profile) {
				if cfg.Cipher != "" {
					p.DataCiphers = []string{cfg.Cipher}
					p.Auth = cfg.Auth
				}
			})

			want := []model.State{model.StateConnecting, model.StateHandshaking, model.StateEstablished}
			if diff := cmp.Diff(want, h.events.states()); diff != "" {
				t.Fatal(diff)
			}
			st := h.machine.Status()
			if st.TunnelInfo == nil || st.TunnelInfo.IP != "10.8.0.2" || st.TunnelInfo.MTU != 1500 {
				t.Fatalf("unexpected tunnel info %+v", st.TunnelInfo)
			}
			if st.Endpoint != s.Endpoint().String() {
				t.Fatalf("unexpected endpoint %q", st.Endpoint)
			}

			h.echo(t, "hello")
			h.echo(t, "world")
			stats := h.machine.Stats()
			if stats.PacketsOut != 2 || stats.PacketsIn != 2 || stats.BytesIn != stats.BytesOut {
				t.Fatalf("unexpected stats %+v", stats)
			}
			if got := len(s.Received()); got != 2 {
				t.Fatalf("server received %d packets", got)
			}
			eventually(t, "a bytecount event", func() bool {
				return h.events.kinds(model.EventByteCount) > 0
			})
		})
	}
}

func TestMachineDisconnectReleasesTransport(t *testing.T) {
	pki := vpntest.NewPKI()

	t.Run("idle", func(t *testing.T) {
		h := newHarness(t, newTestProfile(pki, config.Endpoint{Host: "127.0.0.1", Port: "1", Proto: config.ProtoTCP}))
		h.machine.Disconnect()
		h.waitDone(t)
		if diff := cmp.Diff([]model.State{model.StateDisconnecting, model.StateTerminated}, h.events.states()); diff != "" {
			t.Fatal(diff)
		}
		if err := h.machine.Pause(); !errors.Is(err, ErrNotActive) && !errors.Is(err, ErrTerminated) {
			t.Fatalf("unexpected pause error %v", err)
		}
	})

	t.Run("handshaking", func(t *testing.T) {
		s := startServer(t, &vpnserver.Config{PKI: pki})
		s.SetSilent(true)
		h := newHarness(t, newTestProfile(pki, s.Endpoint()))
		h.machine.Start()
		eventually(t, "Handshaking", func() bool { return h.machine.Status().State == model.StateHandshaking })
		h.machine.Disconnect()
		h.waitDone(t)
		if n := h.dialer.open.Load(); n != 0 {
			t.Fatalf("%d connections still open", n)
		}
	})

	for _, proto := range []config.Proto{config.ProtoUDP, config.ProtoTCP} {
		t.Run("established "+string(proto), func(t *testing.T) {
			s := startServer(t, &vpnserver.Config{PKI: pki, Proto: proto})
			h := connect(t, pki, s, nil)
			h.machine.Disconnect()
			h.waitDone(t)
			if h.machine.Err() != nil {
				t.Fatalf("unexpected error %v", h.machine.Err())
			}
			if st := h.machine.Status(); st.State != model.StateTerminated {
				t.Fatalf("unexpected state %s", st.State)
			}
			if n := h.dialer.open.Load(); n != 0 {
				t.Fatalf("%d connections still open", n)
			}
		})
	}

	t.Run("reconnecting", func(t *testing.T) {
		profile := newTestProfile(pki, closedEndpoint(t))
		profile.ConnectRetry = time.Hour
		profile.ConnectRetryMaxDelay = time.Hour
		h := newHarness(t, profile)
		h.machine.Start()
		eventually(t, "Reconnecting", func() bool { return h.events.count(model.StateReconnecting) > 0 })
		h.machine.Disconnect()
		h.waitDone(t)
		if h.machine.Err() != nil {
			t.Fatalf("unexpected error %v", h.machine.Err())
		}
	})

	t.Run("paused", func(t *testing.T) {
		s := startServer(t, &vpnserver.Config{PKI: pki})
		h := connect(t, pki, s, nil)
		if err := h.machine.Pause(); err != nil {
			t.Fatal(err)
		}
		eventually(t, "Paused", func() bool { return h.machine.Status().State == model.StatePaused })
		h.machine.Disconnect()
		h.waitDone(t)
		if n := h.dialer.open.Load(); n != 0 {
			t.Fatalf("%d connections still open", n)
		}
	})
}

// hangingDialer blocks until the context is done.
type hangingDialer struct {
	dialing chan any
}

func (d *hangingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	close(d.dialing)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestMachineDisconnectWhileConnecting(t *testing.T) {
	pki := vpntest.NewPKI()
	dialer := &hangingDialer{dialing: make(chan any)}
	cfg := config.NewConfig(
		config.WithLogger(model.NewTestLogger()),
		config.WithProfile(newTestProfile(pki, config.Endpoint{Host: "10.0.0.1", Port: "1194", Proto: config.ProtoTCP})),
		config.WithDialer(dialer),
	)
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.Start()
	<-dialer.dialing
	if st := m.Status(); st.State != model.StateConnecting {
		t.Fatalf("unexpected state %s", st.State)
	}
	m.Disconnect()
	select {
	case <-m.Done():
	case <-time.After(testTimeout):
		t.Fatal("not terminated")
	}
	if m.Err() != nil {
		t.Fatalf("unexpected error %v", m.Err())
	}
}

// closedEndpoint returns a TCP endpoint that refuses connections.
func closedEndpoint(t *testing.T) config.Endpoint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()
	return config.Endpoint{Host: "127.0.0.1", Port: strconv.Itoa(addr.Port), Proto: config.ProtoTCP}
}

func TestMachineUnreachable(t *testing.T) {
	pki := vpntest.NewPKI()
	first, second := closedEndpoint(t), closedEndpoint(t)
	profile := newTestProfile(pki, first, second)
	profile.ConnectRetryMax = 3
	h := newHarness(t, profile)
	h.machine.Start()
	h.waitDone(t)

	if err := h.machine.Err(); !errors.Is(err, model.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	want := []string{
		first.Address(), second.Address(),
		first.Address(), second.Address(),
		first.Address(), second.Address(),
	}
	if diff := cmp.Diff(want, h.dialer.addresses()); diff != "" {
		t.Fatal(diff)
	}
	if got := h.machine.Stats().Reconnections; got != 2 {
		t.Fatalf("expected 2 reconnections, got %d", got)
	}
	if got := h.events.kinds(model.EventError); got != 2 {
		t.Fatalf("expected 2 error events, got %d", got)
	}
}

func TestMachineFallsBackToNextEndpoint(t *testing.T) {
	pki := vpntest.NewPKI()
	s := startServer(t, &vpnserver.Config{PKI: pki, Proto: config.ProtoTCP})
	h := newHarness(t, newTestProfile(pki, closedEndpoint(t), closedEndpoint(t), s.Endpoint()))
	h.machine.Start()
	h.waitEstablished(t)
	if got := len(h.dialer.addresses()); got != 3 {
		t.Fatalf("expected 3 dials, got %d", got)
	}
	if h.machine.Stats().Reconnections != 0 {
		t.Fatal("falling back must not count as a reconnection")
	}
}

// closedUDPEndpoint returns a UDP endpoint nobody listens on.
func closedUDPEndpoint(t *testing.T) config.Endpoint {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := pc.LocalAddr().(*net.UDPAddr)
	pc.Close()
	return config.Endpoint{Host: "127.0.0.1", Port: strconv.Itoa(addr.Port), Proto: config.ProtoUDP}
}

func TestMachineFallsBackToNextUDPEndpoint(t *testing.T) {
	pki := vpntest.NewPKI()
	s := startServer(t, &vpnserver.Config{PKI: pki})
	first, second := closedUDPEndpoint(t), closedUDPEndpoint(t)
	profile := newTestProfile(pki, first, second, s.Endpoint())
	profile.HandWindow = time.Second
	h := newHarness(t, profile)
	h.machine.Start()
	h.waitEstablished(t)

	want := []string{first.Address(), second.Address(), s.Endpoint().Address()}
	if diff := cmp.Diff(want, h.dialer.addresses()); diff != "" {
		t.Fatal(diff)
	}
	if h.machine.Stats().Reconnections != 0 {
		t.Fatal("falling back must not count as a reconnection")
	}
	if got := h.events.kinds(model.EventError); got != 2 {
		t.Fatalf("expected 2 error events, got %d", got)
	}
	if got := h.machine.Status().Endpoint; got != s.Endpoint().String() {
		t.Fatalf("unexpected endpoint %s", got)
	}
}

func TestMachineUnreachableUDPEndpoints(t *testing.T) {
	pki := vpntest.NewPKI()
	first, second := closedUDPEndpoint(t), closedUDPEndpoint(t)
	profile := newTestProfile(pki, first, second)
	profile.HandWindow = time.Second
	profile.ConnectRetryMax = 2
	h := newHarness(t, profile)
	h.machine.Start()
	h.waitDone(t)

	if err := h.machine.Err(); !errors.Is(err, model.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	want := []string{first.Address(), second.Address(), first.Address(), second.Address()}
	if diff := cmp.Diff(want, h.dialer.addresses()); diff != "" {
		t.Fatal(diff)
	}
	if got := h.machine.Stats().Reconnections; got != 1 {
		t.Fatalf("expected 1 reconnection, got %d", got)
	}
}

func TestMachineRecoversFromTransportLoss(t *testing.T) {
	pki := vpntest.NewPKI()
	s := startServer(t, &vpnserver.Config{PKI: pki, Proto: config.ProtoTCP})
	h := connect(t, pki, s, nil)
	s.DropConnections()
	eventually(t, "a second session", func() bool {
		return h.events.count(model.StateEstablished) == 2
	})
	if got := h.machine.Stats().Reconnections; got != 1 {
		t.Fatalf("expected 1 reconnection, got %d", got)
	}
	h.echo(t, "after reconnect")
}

func TestMachineRestart(t *testing.T) {
	pki := vpntest.NewPKI()
	s := startServer(t, &vpnserver.Config{PKI: pki})
	h := connect(t, pki, s, nil)
	if err := s.SendControlMessage("RESTART"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "a second session", func() bool {
		return h.events.count(model.StateEstablished) == 2
	})
	waitServer(t, s, func(st vpnserver.Stats) bool { return st.Sessions == 2 })
}

func TestMachineHalt(t *testing.T) {
	pki := vpntest.NewPKI()
	s := startServer(t, &vpnserver.Config{PKI: pki})
	h := connect(t, pki, s, nil)
	if err := s.SendControlMessage("HALT"); err != nil {
		t.Fatal(err)
	}
	h.waitDone(t)
	if err := h.machine.Err(); !errors.Is(err, model.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if h.events.count(model.StateReconnecting) != 0 {
		t.Fatal("HALT must not reconnect")
	}
}

func TestMachineAuthFailed(t *testing.T) {
	pki := vpntest.NewPKI()
	s := startServer(t, &vpnserver.Config{PKI: pki, AuthFailed: true})
	h := newHarness(t, newTestProfile(pki, s.Endpoint()))
	h.machine.Start()
	h.waitDone(t)
	if err := h.machine.Err(); !errors.Is(err, model.ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", err)
	}
	if got := s.Stats().Sessions; got != 1 {
		t.Fatalf("expected no retries, got %d sessions", got)
	}
}

func TestMachineAuthenticationFailures(t *testing.T) {
	pki := vpntest.NewPKI()

	t.Run("below the threshold", func(t *testing.T) {
		s := startServer(t, &vpnserver.Config{PKI: pki})
		h := connect(t, pki, s, nil)
		if err := s.SendForgedData(5); err != nil {
			t.Fatal(err)
		}
		eventually(t, "the forged packets", func() bool { return h.machine.Stats().AuthFailures == 5 })
		h.echo(t, "still here")
	})

	t.Run("above the threshold", func(t *testing.T) {
		s := startServer(t, &vpnserver.Config{PKI: pki})
		h := connect(t, pki, s, func(p *config.Profile) { p.AuthFailThreshold = 8 })
		if err := s.SendForgedData(9); err != nil {
			t.Fatal(err)
		}
		h.waitDone(t)
		if err := h.machine.Err(); !errors.Is(err, model.ErrAuthenticationFailed) {
			t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
		}
		if got := h.machine.Stats().AuthFailures; got != 9 {
			t.Fatalf("expected 9 failures, got %d", got)
		}
		if n := h.dialer.open.Load(); n != 0 {
			t.Fatalf("%d connections still open", n)
		}
	})
}

func TestMachineRenegotiation(t *testing.T) {
	pki := vpntest.NewPKI()

	t.Run("client initiated", func(t *testing.T) {
		s := startServer(t, &vpnserver.Config{PKI: pki})
		h := connect(t, pki, s, func(p *config.Profile) { p.RenegSec = time.Second })
		eventually(t, "a renegotiation", func() bool { return h.machine.Stats().Renegotiations >= 1 })
		waitServer(t, s, func(st vpnserver.Stats) bool { return st.Negotiations >= 2 })
		h.echo(t, "new key")
		if st := h.machine.Status(); st.State != model.StateEstablished {
			t.Fatalf("unexpected state %s", st.State)
		}
	})

	t.Run("server initiated with overlap", func(t *testing.T) {
		s := startServer(t, &vpnserver.Config{PKI: pki})
		h := connect(t, pki, s, nil)
		d := h.device(t)
		if err := s.SoftReset(); err != nil {
			t.Fatal(err)
		}
		waitServer(t, s, func(st vpnserver.Stats) bool { return st.Negotiations == 2 })
		eventually(t, "the new key", func() bool { return h.machine.Stats().Renegotiations == 1 })
		if diff := cmp.Diff([]uint8{0, 1}, s.KeyIDs()); diff != "" {
			t.Fatal(diff)
		}

		// the lame duck still decrypts
		pkt := vpntest.NewIPv4UDPPacket("10.8.0.2", "10.8.0.1", []byte("old key"))
		if err := s.SendData(0, pkt); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(pkt, readPacket(t, d)); diff != "" {
			t.Fatal(diff)
		}
		h.echo(t, "new key")
	})
}

func TestMachinePingRestart(t *testing.T) {
	pki := vpntest.NewPKI()
	s := startServer(t, &vpnserver.Config{PKI: pki})
	h := connect(t, pki, s, func(p *config.Profile) {
		p.Ping = 200 * time.Millisecond
		p.PingRestart = time.Second
	})
	waitServer(t, s, func(st vpnserver.Stats) bool { return st.Pings >= 2 })
	if h.events.count(model.StateReconnecting) != 0 {
		t.Fatal("keepalives should keep the session up")
	}

	s.SetSilent(true)
	eventually(t, "Reconnecting", func() bool { return h.events.count(model.StateReconnecting) > 0 })
	s.SetSilent(false)
	eventually(t, "a second session", func() bool {
		return h.events.count(model.StateEstablished) == 2
	})
}

func TestMachinePushedKeepalive(t *testing.T) {
	pki := vpntest.NewPKI()
	s := startServer(t, &vpnserver.Config{PKI: pki, Ping: 1, PingRestart: 5})
	connect(t, pki, s, func(p *config.Profile) {
		p.Ping = 0
		p.PingRestart = 0
	})
	waitServer(t, s, func(st vpnserver.Stats) bool { return st.Pings >= 1 })
}

func TestMachinePauseResume(t *testing.T) {
	pki := vpntest.NewPKI()
	s := startServer(t, &vpnserver.Config{PKI: pki, Proto: config.ProtoTCP})
	h := connect(t, pki, s, nil)
	d := h.device(t)

	if err := h.machine.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
	if err := h.machine.Pause(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "Paused", func() bool { return h.machine.Status().State == model.StatePaused })
	if n := h.dialer.open.Load(); n != 0 {
		t.Fatalf("%d connections still open while paused", n)
	}
	if err := h.machine.Resume(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "a second session", func() bool {
		return h.events.count(model.StateEstablished) == 2
	})
	if h.device(t) != d {
		t.Fatal("the device must survive a pause")
	}
	h.echo(t, "resumed")
}

func TestMachineReconnect(t *testing.T) {
	pki := vpntest.NewPKI()
	s := startServer(t, &vpnserver.Config{PKI: pki})
	h := connect(t, pki, s, nil)
	d := h.device(t)

	if err := h.machine.Reconnect(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "a second session", func() bool {
		return h.events.count(model.StateEstablished) == 2
	})
	waitServer(t, s, func(st vpnserver.Stats) bool { return st.Sessions == 2 })
	if h.device(t) != d {
		t.Fatal("the device must survive a reconnect")
	}
	h.echo(t, "reconnected")

	// a paused tunnel comes back on reconnect
	if err := h.machine.Pause(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "Paused", func() bool { return h.machine.Status().State == model.StatePaused })
	if err := h.machine.Reconnect(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "a third session", func() bool {
		return h.events.count(model.StateEstablished) == 3
	})
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		base, max time.Duration
		failures  int
		want      time.Duration
	}{
		{time.Second, time.Minute, 1, time.Second},
		{time.Second, time.Minute, 2, 2 * time.Second},
		{time.Second, time.Minute, 4, 8 * time.Second},
		{time.Second, time.Minute, 10, time.Minute},
		{time.Second, 0, 100, time.Second << 30},
		{0, time.Minute, 3, 0},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.base, tt.max, tt.failures); got != tt.want {
			t.Errorf("retryDelay(%s, %s, %d) = %s, want %s", tt.base, tt.max, tt.failures, got, tt.want)
		}
	}
}
