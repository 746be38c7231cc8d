package tlssession

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	tls "github.com/refraction-networking/utls"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/session"
	"github.com/ooni/vpncore/internal/vpntest"
	"github.com/ooni/vpncore/pkg/config"
)

const testServerOptions = "V4,dev-type tun,link-mtu 1549,tun-mtu 1500,proto UDPv4,cipher AES-256-GCM,auth SHA1,keysize 256,key-method 2,tls-server"

// fakeServer is the server side of a key negotiation.
type fakeServer struct {
	pki *vpntest.PKI

	// helloReply replaces the server hello when not nil.
	helloReply []byte

	// pushReply is the reply to the push request.
	pushReply string

	// silent makes the server never reply to the client hello.
	silent bool

	key    *session.KeySource
	hello  chan *ClientHello
	errors chan error
}

func newFakeServer(pki *vpntest.PKI) *fakeServer {
	key, err := session.NewKeySource()
	if err != nil {
		panic(err)
	}
	return &fakeServer{
		pki:       pki,
		pushReply: "PUSH_REPLY,route-gateway 10.8.0.1,topology subnet,ping 10,ping-restart 60,ifconfig 10.8.0.2 255.255.255.0,peer-id 1,cipher AES-256-GCM",
		key:       key,
		hello:     make(chan *ClientHello, 1),
		errors:    make(chan error, 1),
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	s.errors <- s.run(conn)
}

func (s *fakeServer) run(conn net.Conn) error {
	cert, err := tls.X509KeyPair(s.pki.ServerCert, s.pki.ServerKey)
	if err != nil {
		return err
	}
	server := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
	})
	if err := server.Handshake(); err != nil {
		return err
	}
	data, err := ReadRawControlMessage(server)
	if err != nil {
		return err
	}
	hello, err := ParseClientHello(data)
	if err != nil {
		return err
	}
	s.hello <- hello
	if s.silent {
		return nil
	}
	reply := s.helloReply
	if reply == nil {
		if reply, err = EncodeServerHello(s.key, testServerOptions); err != nil {
			return err
		}
	}
	if _, err := server.Write(reply); err != nil {
		return err
	}
	msg, err := ReadControlMessage(server)
	if err != nil {
		return err
	}
	if msg.Kind != ControlPushRequest {
		return errors.New("expected a push request")
	}
	_, err = server.Write(EncodeControlMessage(s.pushReply))
	return err
}

func newTestRequest(t *testing.T, pki *vpntest.PKI) *Request {
	local, err := session.NewKeySource()
	if err != nil {
		t.Fatal(err)
	}
	profile := config.NewProfile()
	profile.CA = pki.CA
	profile.Cert = pki.ClientCert
	profile.Key = pki.ClientKey
	profile.Username = "user"
	profile.Password = "pass"
	return &Request{
		Profile:     profile,
		Proto:       config.ProtoUDP,
		Local:       local,
		PushRequest: true,
	}
}

func runNegotiation(ctx context.Context, server *fakeServer, req *Request) (*Result, error) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()
	go server.serve(srv)
	return Negotiate(ctx, model.NewTestLogger(), client, req)
}

func TestNegotiate(t *testing.T) {
	pki := vpntest.NewPKI()

	t.Run("first key with push reply", func(t *testing.T) {
		server := newFakeServer(pki)
		req := newTestRequest(t, pki)
		result, err := runNegotiation(context.Background(), server, req)
		if err != nil {
			t.Fatal(err)
		}
		if result.Remote.R1 != server.key.R1 || result.Remote.R2 != server.key.R2 {
			t.Error("unexpected remote key source")
		}
		if result.RemoteOptions != testServerOptions {
			t.Errorf("unexpected remote options %q", result.RemoteOptions)
		}
		if result.Cipher != "AES-256-GCM" {
			t.Errorf("unexpected cipher %s", result.Cipher)
		}
		if result.TunnelInfo.IP != "10.8.0.2" || result.TunnelInfo.PeerID != 1 {
			t.Errorf("unexpected tunnel info %+v", result.TunnelInfo)
		}
		hello := <-server.hello
		if hello.Key.PreMaster != req.Local.PreMaster {
			t.Error("server got a different pre-master secret")
		}
		if hello.Username != "user" || hello.Password != "pass" {
			t.Errorf("unexpected credentials %q %q", hello.Username, hello.Password)
		}
		if !strings.Contains(hello.Options, "key-method 2") {
			t.Errorf("unexpected options %q", hello.Options)
		}
	})

	t.Run("renegotiation does not push", func(t *testing.T) {
		server := newFakeServer(pki)
		req := newTestRequest(t, pki)
		req.PushRequest = false
		result, err := runNegotiation(context.Background(), server, req)
		if err != nil {
			t.Fatal(err)
		}
		if result.TunnelInfo != nil || result.Cipher != "" {
			t.Errorf("unexpected push data %+v", result)
		}
	})

	t.Run("auth failed instead of the server hello", func(t *testing.T) {
		server := newFakeServer(pki)
		server.helloReply = EncodeControlMessage("AUTH_FAILED")
		_, err := runNegotiation(context.Background(), server, newTestRequest(t, pki))
		if !errors.Is(err, model.ErrNegotiationFailed) {
			t.Fatalf("expected ErrNegotiationFailed, got %v", err)
		}
	})

	t.Run("auth failed as push reply", func(t *testing.T) {
		server := newFakeServer(pki)
		server.pushReply = "AUTH_FAILED,bad credentials"
		_, err := runNegotiation(context.Background(), server, newTestRequest(t, pki))
		if !errors.Is(err, model.ErrNegotiationFailed) {
			t.Fatalf("expected ErrNegotiationFailed, got %v", err)
		}
	})

	t.Run("server signed by another ca", func(t *testing.T) {
		server := newFakeServer(vpntest.NewPKI())
		_, err := runNegotiation(context.Background(), server, newTestRequest(t, pki))
		if !errors.Is(err, model.ErrNegotiationFailed) {
			t.Fatalf("expected ErrNegotiationFailed, got %v", err)
		}
		if !errors.Is(err, ErrBadTLSHandshake) {
			t.Errorf("expected ErrBadTLSHandshake, got %v", err)
		}
	})

	t.Run("pushed cipher we did not offer", func(t *testing.T) {
		server := newFakeServer(pki)
		server.pushReply = "PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0,cipher BF-CBC"
		_, err := runNegotiation(context.Background(), server, newTestRequest(t, pki))
		if !errors.Is(err, model.ErrNegotiationFailed) {
			t.Fatalf("expected ErrNegotiationFailed, got %v", err)
		}
	})

	t.Run("bad inline ca", func(t *testing.T) {
		req := newTestRequest(t, pki)
		req.Profile.CA = []byte("not a certificate")
		client, _ := net.Pipe()
		_, err := Negotiate(context.Background(), model.NewTestLogger(), client, req)
		if !errors.Is(err, model.ErrNegotiationFailed) || !errors.Is(err, ErrBadCA) {
			t.Fatalf("expected ErrNegotiationFailed and ErrBadCA, got %v", err)
		}
	})

	t.Run("silent server times out", func(t *testing.T) {
		server := newFakeServer(pki)
		server.silent = true
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_, err := runNegotiation(ctx, server, newTestRequest(t, pki))
		if !errors.Is(err, model.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		server := newFakeServer(pki)
		server.silent = true
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(100*time.Millisecond, cancel)
		_, err := runNegotiation(ctx, server, newTestRequest(t, pki))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func Test_selectCipher(t *testing.T) {
	newProfile := func(cipher string, data ...string) *config.Profile {
		p := config.NewProfile()
		p.Cipher = cipher
		p.DataCiphers = data
		return p
	}
	tests := []struct {
		name    string
		profile *config.Profile
		pushed  string
		options string
		want    string
		wantErr error
	}{
		{"pushed and offered", newProfile("", "AES-128-GCM", "AES-256-GCM"), "aes-256-gcm", "", "AES-256-GCM", nil},
		{"pushed and not offered", newProfile("", "AES-128-GCM"), "AES-256-GCM", "", "", model.ErrNegotiationFailed},
		{"legacy cipher option", newProfile("AES-256-CBC"), "", "cipher AES-128-GCM", "AES-256-CBC", nil},
		{"server options", newProfile("", "AES-128-GCM"), "", "V4,cipher aes-256-cbc,auth SHA1", "AES-256-CBC", nil},
		{"first offered", newProfile("", "CHACHA20-POLY1305", "AES-256-GCM"), "", "V4,cipher BF-CBC", "CHACHA20-POLY1305", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectCipher(tt.profile, tt.pushed, tt.options)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
