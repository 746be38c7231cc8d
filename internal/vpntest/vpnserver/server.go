// Package vpnserver is an in-process OpenVPN peer for tests. It speaks the
// server side of the protocol (reliable control channel, TLS, key-method 2,
// push reply and the data channel) over UDP or TCP on the loopback
// interface, echoes the tunnel packets it receives and exposes hooks to
// inject faults.
package vpnserver

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/sync/errgroup"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/networkio"
	"github.com/ooni/vpncore/internal/vpntest"
	"github.com/ooni/vpncore/pkg/config"
)

// ErrNoPeer is returned by the fault hooks when no client is connected.
var ErrNoPeer = errors.New("vpnserver: no peer")

// Config configures a [Server]. The zero value of every field but PKI
// selects a default.
type Config struct {
	// PKI contains the server certificate and the CA of the clients.
	PKI *vpntest.PKI

	// Proto is the transport; the default is UDP.
	Proto config.Proto

	// Cipher is the data cipher we push; the default is AES-256-GCM.
	Cipher string

	// PushedCipher, when set, is pushed instead of Cipher.
	PushedCipher string

	// Auth is the HMAC digest for CBC ciphers; the default is SHA1.
	Auth string

	// Compress is the compression framing.
	Compress config.Compression

	// PeerID is the pushed peer-id. A negative value pushes none and
	// selects P_DATA_V1.
	PeerID int

	// Ping and PingRestart are pushed when not zero, in seconds.
	Ping        int
	PingRestart int

	// AuthFailed makes the server refuse every client.
	AuthFailed bool

	// PasswordAuth accepts clients without a certificate.
	PasswordAuth bool

	// Logger is the logger; the default discards everything.
	Logger model.Logger
}

// Stats contains what the server observed.
type Stats struct {
	// Sessions counts the hard resets from clients.
	Sessions int

	// Negotiations counts the completed key negotiations.
	Negotiations int

	// DataPackets counts the tunnel packets we decrypted, pings excluded.
	DataPackets int

	// Pings counts the keepalive packets we decrypted.
	Pings int

	// DecryptErrors counts data packets we could not decrypt.
	DecryptErrors int
}

// Server is the in-process peer. Use [Start] to create it.
type Server struct {
	cfg       *Config
	cancel    context.CancelFunc
	ctx       context.Context
	endpoint  config.Endpoint
	group     *errgroup.Group
	listener  net.Listener
	logger    model.Logger
	packet    net.PacketConn
	tlsConfig *tls.Config

	mu       sync.Mutex
	changed  chan any
	peers    map[string]*peer
	silent      bool
	stats       Stats
	received    [][]byte
	credentials string
}

// Start starts a server listening on a random loopback port.
func Start(cfg *Config) (*Server, error) {
	if cfg.PKI == nil {
		return nil, errors.New("vpnserver: missing PKI")
	}
	if cfg.Proto == "" {
		cfg.Proto = config.ProtoUDP
	}
	if cfg.Cipher == "" {
		cfg.Cipher = "AES-256-GCM"
	}
	if cfg.Auth == "" {
		cfg.Auth = "SHA1"
	}
	if cfg.Logger == nil {
		cfg.Logger = model.NewTestLogger()
	}
	tlsConfig, err := newTLSConfig(cfg.PKI, cfg.PasswordAuth)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	s := &Server{
		cfg:       cfg,
		cancel:    cancel,
		ctx:       ctx,
		group:     group,
		logger:    cfg.Logger,
		tlsConfig: tlsConfig,
		changed:   make(chan any),
		peers:     map[string]*peer{},
	}

	switch cfg.Proto {
	case config.ProtoTCP:
		s.listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			cancel()
			return nil, err
		}
		s.setEndpoint(s.listener.Addr())
		group.Go(s.acceptLoop)
	default:
		s.packet, err = net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			cancel()
			return nil, err
		}
		s.setEndpoint(s.packet.LocalAddr())
		group.Go(s.datagramLoop)
	}
	return s, nil
}

func newTLSConfig(pki *vpntest.PKI, passwordAuth bool) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(pki.ServerCert, pki.ServerKey)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pki.CA) {
		return nil, errors.New("vpnserver: bad CA")
	}
	clientAuth := tls.RequireAndVerifyClientCert
	if passwordAuth {
		clientAuth = tls.VerifyClientCertIfGiven
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   clientAuth,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (s *Server) setEndpoint(addr net.Addr) {
	host, port, _ := net.SplitHostPort(addr.String())
	s.endpoint = config.Endpoint{Host: host, Port: port, Proto: s.cfg.Proto}
}

// Endpoint returns the endpoint clients should connect to.
func (s *Server) Endpoint() config.Endpoint {
	return s.endpoint
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.packet != nil {
		s.packet.Close()
	}
	s.mu.Lock()
	for _, p := range s.peers {
		p.close()
	}
	s.mu.Unlock()
	err := s.group.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		framed := &networkio.StreamConn{Conn: conn}
		p := s.newPeer(conn.RemoteAddr().String(), framed.WriteRawPacket, conn.Close)
		s.group.Go(func() error {
			defer p.close()
			for {
				pkt, err := framed.ReadRawPacket()
				if err != nil {
					return nil
				}
				if !p.deliver(pkt) {
					return nil
				}
			}
		})
	}
}

func (s *Server) datagramLoop() error {
	buffer := make([]byte, 1<<16)
	for {
		count, addr, err := s.packet.ReadFrom(buffer)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		pkt := append([]byte{}, buffer[:count]...)
		s.mu.Lock()
		p := s.peers[addr.String()]
		s.mu.Unlock()
		if p == nil {
			dst := addr
			p = s.newPeer(addr.String(), func(b []byte) error {
				_, err := s.packet.WriteTo(b, dst)
				return err
			}, func() error { return nil })
		}
		p.deliver(pkt)
	}
}

// newPeer creates and starts a peer.
func (s *Server) newPeer(name string, send func([]byte) error, closer func() error) *peer {
	p := newPeer(s, name, send, closer)
	s.mu.Lock()
	s.peers[name] = p
	s.mu.Unlock()
	s.group.Go(func() error {
		p.loop(s.ctx)
		s.mu.Lock()
		if s.peers[name] == p {
			delete(s.peers, name)
		}
		s.mu.Unlock()
		return nil
	})
	return p
}

// update changes the stats and wakes up the waiters.
func (s *Server) update(fx func(st *Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fx(&s.stats)
	close(s.changed)
	s.changed = make(chan any)
}

func (s *Server) isSilent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silent
}

func (s *Server) record(payload []byte) {
	s.update(func(st *Stats) {
		st.DataPackets++
		s.received = append(s.received, payload)
	})
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Received returns the tunnel packets we received.
func (s *Server) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte{}, s.received...)
}

// WaitFor blocks until cond returns true for the stats or ctx is done.
func (s *Server) WaitFor(ctx context.Context, cond func(st Stats) bool) error {
	for {
		s.mu.Lock()
		ok, changed := cond(s.stats), s.changed
		s.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("vpnserver: %w (stats: %+v)", ctx.Err(), s.Stats())
		}
	}
}

// Credentials returns the username and password of the last client
// hello, joined by a colon.
func (s *Server) Credentials() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentials
}

// SetSilent makes the server ignore every packet while silent is true.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// DropConnections closes the connections of every peer and forgets them.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, p := range s.peers {
		p.close()
		delete(s.peers, name)
	}
}

// SendControlMessage sends text (e.g., RESTART or HALT) over the control
// channel of the newest key of every peer.
func (s *Server) SendControlMessage(text string) error {
	return s.forEachPeer(func(p *peer) error {
		return p.sendControlMessage(text)
	})
}

// SendForgedData sends count data packets that cannot be authenticated.
func (s *Server) SendForgedData(count int) error {
	return s.forEachPeer(func(p *peer) error {
		return p.sendForgedData(count)
	})
}

// SendData encrypts payload with the given key and sends it.
func (s *Server) SendData(keyID uint8, payload []byte) error {
	return s.forEachPeer(func(p *peer) error {
		return p.sendData(keyID, payload)
	})
}

// SoftReset starts a renegotiation from the server side.
func (s *Server) SoftReset() error {
	return s.forEachPeer(func(p *peer) error {
		return p.softReset()
	})
}

// KeyIDs returns the key IDs with installed data keys, newest last.
func (s *Server) KeyIDs() []uint8 {
	var ids []uint8
	s.forEachPeer(func(p *peer) error {
		ids = p.keyIDs()
		return nil
	})
	return ids
}

// forEachPeer runs fx on the loop of every peer.
func (s *Server) forEachPeer(fx func(p *peer) error) error {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	if len(peers) == 0 {
		return ErrNoPeer
	}
	var errs []error
	for _, p := range peers {
		errs = append(errs, p.run(fx))
	}
	return errors.Join(errs...)
}

// serverOptions is the options string of our server hello.
func (s *Server) serverOptions() string {
	proto := "UDPv4"
	if s.cfg.Proto == config.ProtoTCP {
		proto = "TCPv4_SERVER"
	}
	keysize := config.SupportedCiphers[s.cfg.Cipher]
	return fmt.Sprintf(
		"V4,dev-type tun,link-mtu 1549,tun-mtu 1500,proto %s,cipher %s,auth %s,keysize %d,key-method 2,tls-server",
		proto, s.cfg.Cipher, s.cfg.Auth, keysize)
}

// pushReply is the reply to a push request.
func (s *Server) pushReply() string {
	cipher := s.cfg.Cipher
	if s.cfg.PushedCipher != "" {
		cipher = s.cfg.PushedCipher
	}
	reply := "PUSH_REPLY,route-gateway 10.8.0.1,topology subnet"
	if s.cfg.Ping > 0 {
		reply += ",ping " + strconv.Itoa(s.cfg.Ping)
	}
	if s.cfg.PingRestart > 0 {
		reply += ",ping-restart " + strconv.Itoa(s.cfg.PingRestart)
	}
	reply += ",ifconfig 10.8.0.2 255.255.255.0"
	if s.cfg.PeerID >= 0 {
		reply += ",peer-id " + strconv.Itoa(s.cfg.PeerID)
	}
	return reply + ",cipher " + cipher + ",tun-mtu 1500"
}
