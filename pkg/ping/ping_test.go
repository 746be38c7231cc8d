package ping

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/uuid"

	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/tun"
	"github.com/ooni/vpncore/internal/vpntest"
	"github.com/ooni/vpncore/internal/vpntest/vpnserver"
	"github.com/ooni/vpncore/pkg/client"
	"github.com/ooni/vpncore/pkg/config"
	"github.com/ooni/vpncore/pkg/tunnel"
)

func TestPingThroughTunnel(t *testing.T) {
	pki := vpntest.NewPKI()
	s, err := vpnserver.Start(&vpnserver.Config{PKI: pki})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	profile := config.NewProfile()
	profile.Remotes = []config.Endpoint{s.Endpoint()}
	profile.CA, profile.Cert, profile.Key = pki.CA, pki.ClientCert, pki.ClientKey
	opener := tunnel.NewMemoryOpener()
	c := client.New(config.WithLogger(model.NewTestLogger()), config.WithTunOpener(opener))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.Connect(ctx, profile); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	device, err := opener.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}

	p := New("10.8.0.1", device)
	p.Interval = 10 * time.Millisecond
	p.Logger = model.NewTestLogger()
	if err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	st := p.Statistics()
	if st.PacketsSent != 3 || st.PacketsRecv != 3 || st.PacketLoss != 0 {
		t.Fatalf("unexpected statistics %+v", st)
	}
	if st.MinRTT <= 0 || st.MinRTT > st.AvgRTT || st.AvgRTT > st.MaxRTT {
		t.Fatalf("inconsistent rtt %+v", st)
	}
	if !strings.Contains(st.String(), "3 packets transmitted, 3 received, 0% packet loss") {
		t.Fatalf("unexpected summary %q", st.String())
	}
}

func tunnelDevice(ip string) *tunnel.MemoryDevice {
	return tun.NewMemoryDevice(&model.TunnelInfo{IP: ip})
}

func TestPingTimesOutWithoutReplies(t *testing.T) {
	p := New("10.8.0.1", tunnelDevice("10.8.0.2"))
	p.Count = 2
	p.Interval = 10 * time.Millisecond
	p.Timeout = 50 * time.Millisecond
	p.Logger = model.NewTestLogger()
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := p.Statistics()
	if st.PacketsSent != 2 || st.PacketsRecv != 0 || st.PacketLoss != 100 {
		t.Fatalf("unexpected statistics %+v", st)
	}
}

func TestPingBadAddresses(t *testing.T) {
	for _, target := range []string{"example.com", "::1"} {
		p := New(target, tunnelDevice("10.8.0.2"))
		if err := p.Run(context.Background()); !errors.Is(err, ErrBadAddress) {
			t.Errorf("%s: expected ErrBadAddress, got %v", target, err)
		}
	}
}

func TestParseEchoReply(t *testing.T) {
	src, dst := net.IPv4(10, 8, 0, 2).To4(), net.IPv4(10, 8, 0, 1).To4()
	p := New("10.8.0.1", tunnelDevice("10.8.0.2"))
	now := time.Now()

	echo := func(icmpType uint8, from, to net.IP, id uint16, tracker uuid.UUID) []byte {
		data, err := newEcho(icmpType, from, to, 60, 4, id, tracker, now.Add(-5*time.Millisecond))
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	reply := func(from, to net.IP, id uint16, tracker uuid.UUID) []byte {
		return echo(layers.ICMPv4TypeEchoReply, from, to, id, tracker)
	}

	got, err := p.parseEchoReply(reply(dst, src, p.id, p.tracker), src, dst, now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != 4 || got.TTL != 60 || got.RTT != 5*time.Millisecond {
		t.Fatalf("unexpected reply %+v", got)
	}

	for name, data := range map[string][]byte{
		"wrong source":  reply(net.IPv4(10, 8, 0, 9).To4(), src, p.id, p.tracker),
		"wrong id":      reply(dst, src, p.id+1, p.tracker),
		"wrong tracker": reply(dst, src, p.id, uuid.New()),
		"not a reply":   echo(layers.ICMPv4TypeEchoRequest, dst, src, p.id, p.tracker),
		"garbage":       []byte{0x45, 0x00},
	} {
		if _, err := p.parseEchoReply(data, src, dst, now); !errors.Is(err, errBadPacket) {
			t.Errorf("%s: expected errBadPacket, got %v", name, err)
		}
	}
}

func TestStatistics(t *testing.T) {
	p := New("10.8.0.1", tunnelDevice("10.8.0.2"))
	p.Logger = model.NewTestLogger()
	p.sent = 4
	for i, rtt := range []time.Duration{10, 20, 30} {
		p.update(&Reply{Seq: i, RTT: rtt * time.Millisecond})
	}
	p.update(&Reply{Seq: 1, RTT: time.Millisecond})
	st := p.Statistics()
	if st.PacketsRecv != 3 || st.PacketsRecvDuplicates != 1 || st.PacketLoss != 25 {
		t.Fatalf("unexpected counters %+v", st)
	}
	if st.MinRTT != 10*time.Millisecond || st.MaxRTT != 30*time.Millisecond || st.AvgRTT != 20*time.Millisecond {
		t.Fatalf("unexpected rtt %+v", st)
	}
	// population stdev of 10, 20, 30 ms is ~8.165ms
	if st.StdDevRTT < 8*time.Millisecond || st.StdDevRTT > 9*time.Millisecond {
		t.Fatalf("unexpected stdev %v", st.StdDevRTT)
	}
}
